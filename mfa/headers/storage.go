// Copyright 2025 go-highway Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package headers

import (
	"fmt"
	"strings"
	"sync"

	"github.com/ajroetker/go-mfa/mfa/msl"
)

// SimdgroupMatrixStorage returns the metal_simdgroup_matrix_storage header.
// The text is generated once per process.
func SimdgroupMatrixStorage() string {
	return matrixStorage()
}

var matrixStorage = sync.OnceValue(buildMatrixStorage)

// Morton returns the tile coordinate (column x, row y) of the first of the
// two elements lane owns in an 8x8 simdgroup matrix. The second element is
// at (x+1, y).
//
//	 0  0  1  1  8  8  9  9
//	 2  2  3  3 10 10 11 11
//	 4  4  5  5 12 12 13 13
//	 6  6  7  7 14 14 15 15
//	16 16 17 17 24 24 25 25
//	18 18 19 19 26 26 27 27
//	20 20 21 21 28 28 29 29
//	22 22 23 23 30 30 31 31
func Morton(lane int) (x, y int) {
	quad := lane / 4
	y = (quad/4)*4 + (lane/2)%4
	x = (quad&2)*2 + (lane%2)*2
	return x, y
}

const storagePrologue = `// -*- Metal -*-
//===-- metal_simdgroup_matrix_storage ------------------------------------===//

#ifndef __METAL_SIMDGROUP_MATRIX_STORAGE
#define __METAL_SIMDGROUP_MATRIX_STORAGE

// Position of this lane's first element within an 8x8 tile (x = column,
// y = row). Lanes are laid out in Morton order so that each quad touches a
// contiguous 2x4 patch.
METAL_FUNC static ushort2 morton_order(ushort thread_index_in_simdgroup) {
  ushort lane_id = thread_index_in_simdgroup;
  ushort quad_id = lane_id / 4;

  ushort M_in_simd = (quad_id / 4) * 4 + (lane_id / 2) % 4;
  ushort N_in_simd = (quad_id & 2) * 2 + (lane_id % 2) * 2;
  return ushort2(N_in_simd, M_in_simd);
}

#pragma METAL internals : enable
namespace metal
{
  template <typename T>
  struct simdgroup_matrix_storage {
    typedef vec<T, 64> storage_type;

    storage_type t;

    METAL_FUNC thread vec<T, 2>* thread_elements() thread {
      return reinterpret_cast<thread vec<T, 2>*>(&t);
    }

    METAL_FUNC simdgroup_matrix_storage() thread = default;

    METAL_FUNC simdgroup_matrix_storage(vec<T, 2> thread_elements) thread {
      *(this->thread_elements()) = thread_elements;
    }

    METAL_FUNC static device T* apply_offset(device T *src, uint elements_per_row, uint2 matrix_origin, bool transpose_matrix = false) {
      if (transpose_matrix) {
        return src + ulong(matrix_origin.x * elements_per_row) + matrix_origin.y;
      } else {
        return src + ulong(matrix_origin.y * elements_per_row) + matrix_origin.x;
      }
    }

    METAL_FUNC static threadgroup T* apply_offset(threadgroup T *src, ushort elements_per_row, ushort2 matrix_origin, bool transpose_matrix = false) {
      if (transpose_matrix) {
        return src + matrix_origin.x * elements_per_row + matrix_origin.y;
      } else {
        return src + matrix_origin.y * elements_per_row + matrix_origin.x;
      }
    }

`

const storageEpilogue = `    template <typename U, typename V>
    METAL_FUNC void multiply(simdgroup_matrix_storage<U> a, simdgroup_matrix_storage<V> b, bool accumulate = true) {
      if (!accumulate) {
        *(thread_elements()) = vec<T, 2>(0);
      }
      t = __metal_simdgroup_matrix_8x8_multiply_accumulate(a.t, b.t, t, typename simdgroup_matrix_storage<T>::storage_type());
    }
  };
} // namespace metal
#pragma METAL internals : disable

#endif // __METAL_SIMDGROUP_MATRIX_STORAGE
`

// access describes one generated load or store member function.
type access struct {
	store bool
	space msl.AddressSpace
	// bfloat moves BF16 memory to and from FP32 registers by placing the
	// 16 bits in the upper half of each float.
	bfloat bool
}

func buildMatrixStorage() string {
	var w msl.Writer
	w.Raw(storagePrologue)
	w.Indent(func() {
		w.Indent(func() {
			for _, store := range []bool{false, true} {
				for _, space := range msl.AddressSpaces {
					for _, bfloat := range []bool{false, true} {
						access{store: store, space: space, bfloat: bfloat}.emit(&w)
						w.Blank()
					}
				}
			}
		})
	})
	w.Raw(storageEpilogue)
	return w.String()
}

func (a access) name() string {
	name := "load"
	if a.store {
		name = "store"
	}
	if a.bfloat {
		name += "_bfloat"
	}
	return name
}

func (a access) signature() string {
	scalar := "U"
	if a.bfloat {
		scalar = "bfloat"
	}
	pointer := fmt.Sprintf("const %s %s *src", a.space.Keyword(), scalar)
	if a.store {
		pointer = fmt.Sprintf("%s %s *dst", a.space.Keyword(), scalar)
	}
	args := []string{
		pointer,
		a.space.IndexType() + " elements_per_row",
		"ushort2 matrix_origin",
		"bool transpose_matrix = false",
	}
	return fmt.Sprintf("METAL_FUNC void %s(%s)", a.name(), strings.Join(args, ", "))
}

func (a access) emit(w *msl.Writer) {
	if a.bfloat {
		w.Comment("T must be float.")
	} else {
		w.Line("template <typename U>")
	}
	w.Block(a.signature(), func() {
		w.Line("if (transpose_matrix) {")
		w.Indent(func() { a.twoPart(w, true) })
		switch {
		case !a.bfloat:
			w.Line("} else if (elements_per_row % 2 != 0) {")
			w.Indent(func() { a.twoPart(w, false) })
			w.Line("} else {")
			w.Indent(func() { a.onePart(w) })
		case a.store:
			w.Line("} else {")
			w.Indent(func() { a.twoPart(w, false) })
		default:
			w.Line("} else {")
			w.Indent(func() { a.onePart(w) })
		}
		w.Line("}")
	})
}

// address renders the element offset of the lane's element at +offset
// columns from the origin.
func (a access) address(transposed bool, offset int) string {
	index := a.space.IndexType()
	x := fmt.Sprintf("%s(matrix_origin.x + %d)", index, offset)
	y := fmt.Sprintf("%s(matrix_origin.y)", index)
	if transposed {
		return x + " * elements_per_row + " + y
	}
	return y + " * elements_per_row + " + x
}

// twoPart moves the two elements with separate scalar accesses. It serves
// transposed tiles and rows whose stride breaks 2-element alignment.
func (a access) twoPart(w *msl.Writer, transposed bool) {
	index := a.space.IndexType()
	for lane := range 2 {
		w.Linef("%s address%d = %s;", index, lane, a.address(transposed, lane))
	}
	switch {
	case !a.store && a.bfloat:
		w.Line("bfloat memoryForm0 = src[address0];")
		w.Line("bfloat memoryForm1 = src[address1];")
		w.Blank()
		w.Line("bfloat4 registerForm = *(thread bfloat4*)(thread_elements());")
		w.Line("registerForm[1] = memoryForm0;")
		w.Line("registerForm[3] = memoryForm1;")
		w.Line("((thread bfloat4*)thread_elements())[0] = registerForm;")
	case !a.store:
		w.Line("U memoryForm0 = src[address0];")
		w.Line("U memoryForm1 = src[address1];")
		w.Line("((thread T*)thread_elements())[0] = T(memoryForm0);")
		w.Line("((thread T*)thread_elements())[1] = T(memoryForm1);")
	case a.bfloat:
		w.Line("bfloat4 registerForm = *(thread bfloat4*)(thread_elements());")
		w.Line("registerForm[2] = registerForm[1];")
		w.Line("dst[address0] = registerForm[2];")
		w.Line("dst[address1] = registerForm[3];")
	default:
		w.Line("T registerForm0 = ((thread T*)thread_elements())[0];")
		w.Line("T registerForm1 = ((thread T*)thread_elements())[1];")
		w.Line("dst[address0] = U(registerForm0);")
		w.Line("dst[address1] = U(registerForm1);")
	}
}

// onePart moves both elements with a single 2-wide vector access.
func (a access) onePart(w *msl.Writer) {
	space := a.space.Keyword()
	w.Linef("auto combinedAddress = %s;", a.address(false, 0))
	switch {
	case !a.store && a.bfloat:
		w.Linef("bfloat2 memoryForm = *(const %s packed_bfloat2*)(src + combinedAddress);", space)
		w.Blank()
		w.Line("bfloat4 registerForm = *(thread bfloat4*)(thread_elements());")
		w.Line("((thread float*)&registerForm)[1] = *(thread float*)(&memoryForm);")
		w.Line("((thread bfloat*)&registerForm)[1] = memoryForm[0];")
		w.Line("((thread bfloat4*)thread_elements())[0] = registerForm;")
	case !a.store:
		w.Linef("vec<U, 2> memoryForm = *(const %s vec<U, 2>*)(src + combinedAddress);", space)
		w.Line("*(thread_elements()) = vec<T, 2>(memoryForm);")
	case a.bfloat:
		w.Line("bfloat4 registerForm = *(thread bfloat4*)(thread_elements());")
		w.Line("registerForm[2] = registerForm[1];")
		w.Line("float memoryForm = ((thread float*)&registerForm)[1];")
		w.Linef("*(%s float*)(dst + combinedAddress) = memoryForm;", space)
	default:
		w.Line("vec<T, 2> registerForm = *(thread_elements());")
		w.Linef("*(%s vec<U, 2>*)(dst + combinedAddress) = vec<U, 2>(registerForm);", space)
	}
}
