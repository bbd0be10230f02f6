//go:build cuda

package native

/*
#cgo LDFLAGS: -lcudart

// Minimal CUDA runtime forward declarations to avoid requiring headers at compile time.
// Linker will still require libcudart when building with the cuda tag.
typedef void* cudaStream_t;
typedef int cudaError_t;

extern const char* cudaGetErrorString(cudaError_t err);
extern cudaError_t cudaGetDeviceCount(int* count);
extern cudaError_t cudaSetDevice(int device);
extern cudaError_t cudaMemGetInfo(unsigned long long* free, unsigned long long* total);
extern cudaError_t cudaStreamCreate(cudaStream_t* stream);
extern cudaError_t cudaStreamDestroy(cudaStream_t stream);
extern cudaError_t cudaStreamSynchronize(cudaStream_t stream);
extern cudaError_t cudaMalloc(void** ptr, unsigned long long size);
extern cudaError_t cudaFree(void* ptr);
extern cudaError_t cudaMallocHost(void** ptr, unsigned long long size);
extern cudaError_t cudaFreeHost(void* ptr);
extern cudaError_t cudaMemsetAsync(void* ptr, int value, unsigned long long size, cudaStream_t stream);
extern cudaError_t cudaMemcpy(void* dst, const void* src, unsigned long long size, int kind);
extern cudaError_t cudaMemcpyAsync(void* dst, const void* src, unsigned long long size, int kind, cudaStream_t stream);
extern cudaError_t cudaMemcpy2DAsync(void* dst, unsigned long long dpitch, const void* src, unsigned long long spitch, unsigned long long width, unsigned long long height, int kind, cudaStream_t stream);

#define STRATA_CUDA_MEMCPY_HOST_TO_DEVICE 1
#define STRATA_CUDA_MEMCPY_DEVICE_TO_HOST 2
#define STRATA_CUDA_MEMCPY_DEVICE_TO_DEVICE 3

static const char* strataCudaGetErrorString(cudaError_t err) {
	return cudaGetErrorString(err);
}

static int strataCudaGetDeviceCount(int* out) {
	return (int)cudaGetDeviceCount(out);
}

static int strataCudaSetDevice(int device) {
	return (int)cudaSetDevice(device);
}

static int strataCudaMemGetInfo(unsigned long long* free, unsigned long long* total) {
	return (int)cudaMemGetInfo(free, total);
}

static int strataCudaStreamCreate(cudaStream_t* out) {
	return (int)cudaStreamCreate(out);
}

static int strataCudaStreamDestroy(cudaStream_t stream) {
	return (int)cudaStreamDestroy(stream);
}

static int strataCudaStreamSynchronize(cudaStream_t stream) {
	return (int)cudaStreamSynchronize(stream);
}

static int strataCudaMalloc(void** ptr, unsigned long long size) {
	return (int)cudaMalloc(ptr, size);
}

static int strataCudaFree(void* ptr) {
	return (int)cudaFree(ptr);
}

static int strataCudaMallocHost(void** ptr, unsigned long long size) {
	return (int)cudaMallocHost(ptr, size);
}

static int strataCudaFreeHost(void* ptr) {
	return (int)cudaFreeHost(ptr);
}

static int strataCudaMemsetAsync(void* ptr, int value, unsigned long long size, cudaStream_t stream) {
	return (int)cudaMemsetAsync(ptr, value, size, stream);
}

static int strataCudaMemcpy(void* dst, const void* src, unsigned long long size, int kind) {
	return (int)cudaMemcpy(dst, src, size, kind);
}

static int strataCudaMemcpyAsync(void* dst, const void* src, unsigned long long size, int kind, cudaStream_t stream) {
	return (int)cudaMemcpyAsync(dst, src, size, kind, stream);
}

static int strataCudaMemcpy2DAsync(void* dst, unsigned long long dpitch, const void* src, unsigned long long spitch, unsigned long long width, unsigned long long height, int kind, cudaStream_t stream) {
	return (int)cudaMemcpy2DAsync(dst, dpitch, src, spitch, width, height, kind, stream);
}
*/
import "C"

import (
	"fmt"
	"unsafe"
)

type Stream struct {
	ptr C.cudaStream_t
}

func DeviceCount() (int, error) {
	var count C.int
	if err := cudaErr(C.strataCudaGetDeviceCount(&count)); err != nil {
		return 0, err
	}
	return int(count), nil
}

func SetDevice(id int) error {
	return cudaErr(C.strataCudaSetDevice(C.int(id)))
}

// MemInfo reports free and total device memory for the current device.
func MemInfo() (free, total uint64, err error) {
	var f, t C.ulonglong
	if err := cudaErr(C.strataCudaMemGetInfo(&f, &t)); err != nil {
		return 0, 0, err
	}
	return uint64(f), uint64(t), nil
}

func NewStream() (Stream, error) {
	var stream C.cudaStream_t
	if err := cudaErr(C.strataCudaStreamCreate(&stream)); err != nil {
		return Stream{}, err
	}
	return Stream{ptr: stream}, nil
}

func (s Stream) Destroy() error {
	if s.ptr == nil {
		return nil
	}
	return cudaErr(C.strataCudaStreamDestroy(s.ptr))
}

func (s Stream) Synchronize() error {
	if s.ptr == nil {
		return nil
	}
	return cudaErr(C.strataCudaStreamSynchronize(s.ptr))
}

func Malloc(bytes uint64) (unsafe.Pointer, error) {
	if bytes == 0 {
		return nil, fmt.Errorf("device alloc size must be > 0")
	}
	var ptr unsafe.Pointer
	if err := cudaErr(C.strataCudaMalloc((*unsafe.Pointer)(&ptr), C.ulonglong(bytes))); err != nil {
		return nil, err
	}
	return ptr, nil
}

func Free(ptr unsafe.Pointer) error {
	if ptr == nil {
		return nil
	}
	return cudaErr(C.strataCudaFree(ptr))
}

func MallocHost(bytes uint64) (unsafe.Pointer, error) {
	if bytes == 0 {
		return nil, fmt.Errorf("host alloc size must be > 0")
	}
	var ptr unsafe.Pointer
	if err := cudaErr(C.strataCudaMallocHost((*unsafe.Pointer)(&ptr), C.ulonglong(bytes))); err != nil {
		return nil, err
	}
	return ptr, nil
}

func FreeHost(ptr unsafe.Pointer) error {
	if ptr == nil {
		return nil
	}
	return cudaErr(C.strataCudaFreeHost(ptr))
}

func MemsetAsync(ptr unsafe.Pointer, value byte, bytes uint64, stream Stream) error {
	if bytes == 0 {
		return nil
	}
	return cudaErr(C.strataCudaMemsetAsync(ptr, C.int(value), C.ulonglong(bytes), stream.ptr))
}

func MemcpyH2D(dst unsafe.Pointer, src []byte) error {
	if len(src) == 0 {
		return nil
	}
	return cudaErr(C.strataCudaMemcpy(dst, unsafe.Pointer(&src[0]), C.ulonglong(len(src)), C.STRATA_CUDA_MEMCPY_HOST_TO_DEVICE))
}

func MemcpyD2H(dst []byte, src unsafe.Pointer) error {
	if len(dst) == 0 {
		return nil
	}
	return cudaErr(C.strataCudaMemcpy(unsafe.Pointer(&dst[0]), src, C.ulonglong(len(dst)), C.STRATA_CUDA_MEMCPY_DEVICE_TO_HOST))
}

func MemcpyD2DAsync(dst, src unsafe.Pointer, bytes uint64, stream Stream) error {
	if bytes == 0 {
		return nil
	}
	return cudaErr(C.strataCudaMemcpyAsync(dst, src, C.ulonglong(bytes), C.STRATA_CUDA_MEMCPY_DEVICE_TO_DEVICE, stream.ptr))
}

// Transpose2DAsync transposes a rows x cols matrix by issuing one strided
// column copy per source column.
func Transpose2DAsync(dst, src unsafe.Pointer, rows, cols, elemSize int, stream Stream) error {
	for c := 0; c < cols; c++ {
		from := unsafe.Add(src, c*elemSize)
		to := unsafe.Add(dst, c*rows*elemSize)
		code := C.strataCudaMemcpy2DAsync(
			to, C.ulonglong(elemSize),
			from, C.ulonglong(cols*elemSize),
			C.ulonglong(elemSize), C.ulonglong(rows),
			C.STRATA_CUDA_MEMCPY_DEVICE_TO_DEVICE, stream.ptr)
		if err := cudaErr(code); err != nil {
			return err
		}
	}
	return nil
}

func cudaErr(code C.int) error {
	if code == 0 {
		return nil
	}
	msg := C.GoString(C.strataCudaGetErrorString(C.cudaError_t(code)))
	return fmt.Errorf("cuda runtime error %d: %s", int(code), msg)
}
