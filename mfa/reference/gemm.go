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

package reference

import (
	"fmt"
	"math"
	"slices"
	"sync/atomic"

	"github.com/ajroetker/go-mfa/mfa"
	"github.com/ajroetker/go-mfa/mfa/gemm"
)

// EmulateGEMM runs kernel on the CPU for problem p, writing C.
//
// Every threadgroup of the grid runs the kernel's schedule: early exit of
// simdgroups past the edge, the shift of edge blocks, direct and staged
// K iterations with zero-padded copies, and fast or staged stores of C.
// Threadgroup memory starts out NaN, so a schedule that lets stale data
// reach C shows up in the result. Operands are quantized to the kernel's
// memory precisions on load and store, and to its register precisions in
// between.
func EmulateGEMM(kernel *gemm.Kernel, p gemm.Descriptor, a, b, c, bias []float32) error {
	kd := kernel.Descriptor()
	if kd.MemoryPrecisions != p.MemoryPrecisions || kd.Transpose != p.Transpose || kd.Bias.Axis != p.Bias.Axis {
		return fmt.Errorf("%w: kernel %s does not match the problem", mfa.ErrInvalidDescriptor, kd.CacheKey())
	}
	if p.Matrix.M == 0 || p.Matrix.N == 0 || p.Matrix.K == 0 {
		return fmt.Errorf("%w: matrix dimensions %+v", mfa.ErrDescriptorIncomplete, p.Matrix)
	}
	if err := checkGEMMBuffers(p, a, b, c, bias, true); err != nil {
		return err
	}

	e := newGEMMEmulator(kernel, p, a, b, c, bias)
	if err := e.checkStaging(kernel.ThreadgroupMemory()); err != nil {
		return err
	}
	gx, gy := kernel.Grid(p.Matrix)
	pool().Dispatch(int(gx), int(gy), e.threadgroup)
	if e.oob.Load() {
		return fmt.Errorf("%w: %s", ErrOutOfBounds, kd.CacheKey())
	}
	return nil
}

type gemmEmulator struct {
	kd gemm.KernelDescriptor
	p  gemm.Descriptor

	a, b, c, bias []float32
	// prev is C before the dispatch. Shifted edge blocks read rows their
	// neighbours write.
	prev []float32

	m, n, k          int
	ldA, ldB, ldC    int
	mg, ng, kg       int
	// Row strides of the threadgroup staging blocks.
	lbA, lbB, lbC    int
	regM, regN       int
	mEdge, nEdge     int
	mShift, nShift   int
	kRem, kRemPadded int

	oob atomic.Bool
}

func newGEMMEmulator(kernel *gemm.Kernel, p gemm.Descriptor, a, b, c, bias []float32) *gemmEmulator {
	kd := kernel.Descriptor()
	regM, regN := kernel.RegisterTile()
	ld := p.ResolvedLeadingDimensions()
	lb := kernel.LeadingBlockDimensions()
	e := &gemmEmulator{
		kd: kd, p: p,
		a: a, b: b, c: c, bias: bias,
		prev: slices.Clone(c),
		m:    int(p.Matrix.M), n: int(p.Matrix.N), k: int(p.Matrix.K),
		ldA: int(ld.A), ldB: int(ld.B), ldC: int(ld.C),
		mg: int(kd.BlockDimensions.M), ng: int(kd.BlockDimensions.N), kg: int(kd.BlockDimensions.K),
		lbA: int(lb.A), lbB: int(lb.B), lbC: int(lb.C),
		regM: int(regM), regN: int(regN),
	}
	e.mEdge = e.m - e.m%e.mg
	e.nEdge = e.n - e.n%e.ng
	e.mShift = edgeShift(e.m, e.mg, e.regM)
	e.nShift = edgeShift(e.n, e.ng, e.regN)
	e.kRem = e.k % e.kg
	if e.kRem == 0 {
		e.kRem = e.kg
	}
	e.kRemPadded = (e.kRem + 7) / 8 * 8
	return e
}

// checkStaging fails when the staging blocks do not fit in the threadgroup
// memory the kernel allocates.
func (e *gemmEmulator) checkStaging(allocated uint16) error {
	a, b, c := e.stagingSizes()
	mp := e.kd.MemoryPrecisions
	need := max(a*mp.A.Size()+b*mp.B.Size(), c*mp.C.Size())
	if need > int(allocated) {
		return fmt.Errorf("%w: staging needs %d bytes, kernel allocates %d",
			ErrOutOfBounds, need, allocated)
	}
	return nil
}

// edgeShift is how far the edge block moves back so its last register
// tile ends at the matrix edge.
func edgeShift(dim, group, reg int) int {
	if dim < group {
		return 0
	}
	rem := dim % reg
	if rem == 0 {
		rem = reg
	}
	return reg - rem
}

// simdgroup is one simdgroup's register tile of C.
type simdgroup struct {
	row, col int
	acc      []float32
}

func (e *gemmEmulator) readA(row, col int) float32 {
	if row < 0 || row >= e.m || col < 0 || col >= e.k {
		e.oob.Store(true)
		return float32(math.NaN())
	}
	idx := row*e.ldA + col
	if e.kd.Transpose.A {
		idx = col*e.ldA + row
	}
	return mfa.Round(e.kd.MemoryPrecisions.A, e.a[idx])
}

func (e *gemmEmulator) readB(row, col int) float32 {
	if row < 0 || row >= e.k || col < 0 || col >= e.n {
		e.oob.Store(true)
		return float32(math.NaN())
	}
	idx := row*e.ldB + col
	if e.kd.Transpose.B {
		idx = col*e.ldB + row
	}
	return mfa.Round(e.kd.MemoryPrecisions.B, e.b[idx])
}

func (e *gemmEmulator) readC(row, col int) float32 {
	if row < 0 || row >= e.m || col < 0 || col >= e.n {
		e.oob.Store(true)
		return float32(math.NaN())
	}
	return mfa.Round(e.kd.MemoryPrecisions.C, e.prev[row*e.ldC+col])
}

func (e *gemmEmulator) writeC(row, col int, v float32) {
	if row < 0 || row >= e.m || col < 0 || col >= e.n {
		e.oob.Store(true)
		return
	}
	e.c[row*e.ldC+col] = mfa.Round(e.kd.MemoryPrecisions.C, v)
}

// blockA is the staging offset of A[r][kk] within the block; a transposed
// A is staged K-major.
func (e *gemmEmulator) blockA(r, kk int) int {
	if e.kd.Transpose.A {
		return kk*e.lbA + r
	}
	return r*e.lbA + kk
}

func (e *gemmEmulator) blockB(kk, col int) int {
	if e.kd.Transpose.B {
		return col*e.lbB + kk
	}
	return kk*e.lbB + col
}

func (e *gemmEmulator) blockC(r, col int) int { return r*e.lbC + col }

// stagingSizes returns the element counts of the A, B and C blocks.
func (e *gemmEmulator) stagingSizes() (a, b, c int) {
	a = e.lbA * e.mg
	if e.kd.Transpose.A {
		a = e.lbA * e.kg
	}
	b = e.lbB * e.kg
	if e.kd.Transpose.B {
		b = e.lbB * e.ng
	}
	return a, b, e.lbC * e.mg
}

func poisoned(n int) []float32 {
	s := make([]float32, n)
	nan := float32(math.NaN())
	for i := range s {
		s[i] = nan
	}
	return s
}

func (e *gemmEmulator) fastPath(gx, gy int) bool {
	return !e.kd.PreferAsyncStore && e.m >= e.mg && e.n >= e.ng &&
		gy*e.mg < e.mEdge && gx*e.ng < e.nEdge
}

func (e *gemmEmulator) threadgroup(gx, gy int) {
	splits := e.kd.Splits
	var simds []*simdgroup
	for sidx := range int(splits.M) * int(splits.N) {
		sx, sy := sidx%int(splits.N), sidx/int(splits.N)
		if gy*e.mg+sy*e.regM >= e.m || gx*e.ng+sx*e.regN >= e.n {
			continue
		}
		simds = append(simds, &simdgroup{
			row: sy * e.regM,
			col: sx * e.regN,
			acc: make([]float32, e.regM*e.regN),
		})
	}

	mOff, nOff := gy*e.mg, gx*e.ng
	if e.mShift != 0 && mOff >= e.mEdge {
		mOff -= e.mShift
	}
	if e.nShift != 0 && nOff >= e.nEdge {
		nOff -= e.nShift
	}
	fast := e.fastPath(gx, gy)

	if e.p.LoadPreviousC {
		e.loadC(simds, mOff, nOff, fast)
	}
	e.addBias(simds, mOff, nOff)
	e.multiply(simds, mOff, nOff)
	e.storeC(simds, gx, gy, mOff, nOff, fast)
}

func (e *gemmEmulator) loadC(simds []*simdgroup, mOff, nOff int, fast bool) {
	regC := e.kd.RegisterPrecisions.C
	if fast {
		for _, s := range simds {
			for i := range e.regM {
				for j := range e.regN {
					s.acc[i*e.regN+j] = mfa.Round(regC, e.readC(mOff+s.row+i, nOff+s.col+j))
				}
			}
		}
	} else {
		_, _, size := e.stagingSizes()
		block := poisoned(size)
		rows, cols := min(e.mg, e.m-mOff), min(e.ng, e.n-nOff)
		for r := range rows {
			for col := range cols {
				block[e.blockC(r, col)] = e.readC(mOff+r, nOff+col)
			}
		}
		for _, s := range simds {
			for i := range e.regM {
				for j := range e.regN {
					s.acc[i*e.regN+j] = mfa.Round(regC, block[e.blockC(s.row+i, s.col+j)])
				}
			}
		}
	}

	beta := gemmBeta(e.p)
	if beta == 1 {
		return
	}
	beta = mfa.Round(regC, beta)
	for _, s := range simds {
		for i := range s.acc {
			s.acc[i] = mfa.Round(regC, s.acc[i]*beta)
		}
	}
}

// addBias clamps the vector index to the matrix so lanes past the edge
// read a valid element.
func (e *gemmEmulator) addBias(simds []*simdgroup, mOff, nOff int) {
	axis := e.kd.Bias.Axis
	if axis == gemm.BiasNone {
		return
	}
	regC := e.kd.RegisterPrecisions.C
	value := func(idx, limit int) float32 {
		v := mfa.Round(e.kd.Bias.Precision, e.bias[min(idx, limit-1)])
		return mfa.Round(regC, v)
	}
	for _, s := range simds {
		for i := range e.regM {
			for j := range e.regN {
				var v float32
				if axis == gemm.BiasRows {
					v = value(mOff+s.row+i, e.m)
				} else {
					v = value(nOff+s.col+j, e.n)
				}
				s.acc[i*e.regN+j] = mfa.Round(regC, s.acc[i*e.regN+j]+v)
			}
		}
	}
}

// step accumulates one 8-deep slice of the product into every element of
// the simdgroup's tile.
func (e *gemmEmulator) step(s *simdgroup, a func(i, kk int) float32, b func(kk, j int) float32, k0 int) {
	rp := e.kd.RegisterPrecisions
	for i := range e.regM {
		for j := range e.regN {
			var sum float32
			for kk := k0; kk < k0+8; kk++ {
				sum += mfa.Round(rp.A, a(i, kk)) * mfa.Round(rp.B, b(kk, j))
			}
			s.acc[i*e.regN+j] = mfa.Round(rp.C, s.acc[i*e.regN+j]+sum)
		}
	}
}

func (e *gemmEmulator) asyncStart() int {
	if e.kd.PreferAsyncLoad || e.m < e.mg || e.n < e.ng {
		return 0
	}
	return e.k - e.k%e.kg
}

func (e *gemmEmulator) multiply(simds []*simdgroup, mOff, nOff int) {
	start := e.asyncStart()
	for k0 := 0; k0 < start; k0 += 8 {
		for _, s := range simds {
			e.step(s,
				func(i, kk int) float32 { return e.readA(mOff+s.row+i, kk) },
				func(kk, j int) float32 { return e.readB(kk, nOff+s.col+j) },
				k0)
		}
	}

	sizeA, sizeB, _ := e.stagingSizes()
	aBlock := poisoned(sizeA)
	bBlock := poisoned(sizeB)
	for k0 := start; k0 < e.k; k0 += e.kg {
		rows, cols := min(e.mg, e.m-mOff), min(e.ng, e.n-nOff)
		depth := min(e.kg, e.k-k0)
		padded := min(e.kg, e.k+e.kRemPadded-e.kRem-k0)
		for r := range rows {
			for kk := range padded {
				var v float32
				if kk < depth {
					v = e.readA(mOff+r, k0+kk)
				}
				aBlock[e.blockA(r, kk)] = v
			}
		}
		for kk := range padded {
			for col := range cols {
				var v float32
				if kk < depth {
					v = e.readB(k0+kk, nOff+col)
				}
				bBlock[e.blockB(kk, col)] = v
			}
		}

		limit := e.kRemPadded
		if k0+e.kg < e.k {
			limit = e.kg
		}
		for kk := 0; kk < limit; kk += 8 {
			for _, s := range simds {
				e.step(s,
					func(i, kk int) float32 { return aBlock[e.blockA(s.row+i, kk)] },
					func(kk, j int) float32 { return bBlock[e.blockB(kk, s.col+j)] },
					kk)
			}
		}
	}
}

func (e *gemmEmulator) storeC(simds []*simdgroup, gx, gy, mOff, nOff int, fast bool) {
	if fast {
		for _, s := range simds {
			for i := range e.regM {
				for j := range e.regN {
					e.writeC(mOff+s.row+i, nOff+s.col+j, s.acc[i*e.regN+j])
				}
			}
		}
		return
	}

	memC := e.kd.MemoryPrecisions.C
	_, _, size := e.stagingSizes()
	block := poisoned(size)
	for _, s := range simds {
		for i := range e.regM {
			for j := range e.regN {
				block[e.blockC(s.row+i, s.col+j)] = mfa.Round(memC, s.acc[i*e.regN+j])
			}
		}
	}

	// The copy covers the unshifted block; a shifted block keeps its
	// garbage rows and columns at the top left.
	cRow, cCol := gy*e.mg, gx*e.ng
	rows, cols := min(e.mg, e.m-cRow), min(e.ng, e.n-cCol)
	var shiftRow, shiftCol int
	if e.mShift != 0 && cRow >= e.mEdge {
		shiftRow = e.mShift
	}
	if e.nShift != 0 && cCol >= e.nEdge {
		shiftCol = e.nShift
	}
	for r := range rows {
		for col := range cols {
			e.writeC(cRow+r, cCol+col, block[e.blockC(shiftRow+r, shiftCol+col)])
		}
	}
}
