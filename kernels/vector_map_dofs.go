// Package kernels holds the numerical kernels of the simulation, following the devrt dispatch convention: a
// host entry point validates the buffers and launches a devrt.Kernel on the configured stream.
package kernels

import (
	"strconv"
	"strings"

	"github.com/gomlx/godevrt/devrt"
	"github.com/gomlx/godevrt/dtypes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// vectorMapDofsPTX is the device code of vector_map_dofs, with placeholders for the element type.
// The copy doesn't depend on the interpretation of the values, so elements are moved as untyped bits.
const vectorMapDofsPTX = `.version 6.0
.target sm_50
.address_size 64

.visible .entry {{ENTRY}}(
	.param .u32 n,
	.param .u64 v0,
	.param .u64 v1,
	.param .u64 v2
)
{
	.reg .pred %p<2>;
	.reg .b32 %r<8>;
	.reg .b64 %rd<12>;
	.reg .b{{BITS}} %v<2>;

	ld.param.u32 %r1, [n];
	ld.param.u64 %rd1, [v0];
	ld.param.u64 %rd2, [v1];
	ld.param.u64 %rd3, [v2];
	mov.u32 %r2, %ctaid.x;
	mov.u32 %r3, %ntid.x;
	mov.u32 %r4, %tid.x;
	mad.lo.s32 %r5, %r2, %r3, %r4;
	setp.ge.s32 %p1, %r5, %r1;
	@%p1 bra DONE;

	cvta.to.global.u64 %rd4, %rd3;
	mul.wide.s32 %rd5, %r5, 4;
	add.s64 %rd6, %rd4, %rd5;
	ld.global.u32 %r6, [%rd6];
	mul.wide.s32 %rd7, %r6, {{SIZE}};
	cvta.to.global.u64 %rd8, %rd2;
	add.s64 %rd9, %rd8, %rd7;
	ld.global.b{{BITS}} %v1, [%rd9];
	cvta.to.global.u64 %rd10, %rd1;
	add.s64 %rd11, %rd10, %rd7;
	st.global.b{{BITS}} [%rd11], %v1;

DONE:
	ret;
}
`

// element types supported by VectorMapDofs.
type element interface {
	float64 | float32 | float16.Float16
}

// newVectorMapDofsKernel creates the vector_map_dofs kernel for the element type T.
func newVectorMapDofsKernel[T element]() *devrt.Kernel {
	dtype := dtypes.FromGenericsType[T]()
	bits := strconv.Itoa(8 * dtype.Size())
	entry := "vector_map_dofs_f" + bits
	ptx := strings.NewReplacer(
		"{{ENTRY}}", entry,
		"{{BITS}}", bits,
		"{{SIZE}}", strconv.Itoa(dtype.Size()),
	).Replace(vectorMapDofsPTX)
	return &devrt.Kernel{
		Name:    entry,
		PTX:     ptx,
		Entry:   entry,
		Scatter: true,
		Bind: func(mem [][]byte) (func(i int) error, error) {
			if len(mem) != 3 {
				return nil, errors.Errorf("%s takes 3 buffers (v0, v1, v2), got %d", entry, len(mem))
			}
			v0, v1, v2 := dtypes.View[T](mem[0]), dtypes.View[T](mem[1]), dtypes.View[int32](mem[2])
			return func(i int) error {
				idx := int(v2[i])
				if idx < 0 || idx >= len(v0) || idx >= len(v1) {
					return errors.Errorf("%s: v2[%d]=%d out of bounds for vectors of length %d", entry, i, idx, min(len(v0), len(v1)))
				}
				v0[idx] = v1[idx]
				return nil
			}, nil
		},
	}
}

// Kernels of vector_map_dofs, per element type.
var (
	VectorMapDofsF64 = newVectorMapDofsKernel[float64]()
	VectorMapDofsF32 = newVectorMapDofsKernel[float32]()
	VectorMapDofsF16 = newVectorMapDofsKernel[float16.Float16]()
)

// VectorMapDofsKernel returns the vector_map_dofs kernel for the dtype of the vectors.
func VectorMapDofsKernel(dtype dtypes.DType) (*devrt.Kernel, error) {
	switch dtype {
	case dtypes.Float64:
		return VectorMapDofsF64, nil
	case dtypes.Float32:
		return VectorMapDofsF32, nil
	case dtypes.Float16:
		return VectorMapDofsF16, nil
	default:
		return nil, errors.Errorf("vector_map_dofs not implemented for dtype %s", dtype)
	}
}

// VectorMapDofs enqueues the copy of the degrees of freedom of v1 to v0 at the positions given by the index
// vector v2: for each i in [0, n), v0[v2[i]] = v1[v2[i]]. Positions of v0 not referenced by v2[:n] are left
// untouched.
//
// v0 and v1 must have the same dtype and length, and v2 must be an Int32 vector of at least n elements.
// The copy completes asynchronously, unless the Config forces synchronous kernels.
//
// Indices out of bounds are reported as a stream error by the host driver. Device code doesn't check them.
func VectorMapDofs(cfg *devrt.Config, n int, v0, v1, v2 *devrt.Buffer) error {
	if n < 0 {
		return errors.Errorf("VectorMapDofs: invalid n=%d", n)
	}
	if v0 == nil || v1 == nil || v2 == nil {
		return errors.New("VectorMapDofs: nil buffer")
	}
	if v2.DType() != dtypes.Int32 {
		return errors.Errorf("VectorMapDofs: index vector v2 must be Int32, got %s", v2.DType())
	}
	if v2.Len() < n {
		return errors.Errorf("VectorMapDofs: index vector v2 has %d elements, less than n=%d", v2.Len(), n)
	}
	if v0.DType() != v1.DType() || v0.Len() != v1.Len() {
		return errors.Errorf("VectorMapDofs: v0 (%d x %s) and v1 (%d x %s) must have the same dtype and length",
			v0.Len(), v0.DType(), v1.Len(), v1.DType())
	}
	kernel, err := VectorMapDofsKernel(v0.DType())
	if err != nil {
		return err
	}
	return cfg.Launch(kernel, n, v0, v1, v2)
}
