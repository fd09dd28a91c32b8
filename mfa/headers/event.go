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

// Package headers emits the two Metal headers every generated kernel is
// prefixed with: metal_simdgroup_event (asynchronous 2D copies between
// device and threadgroup memory) and metal_simdgroup_matrix_storage (8x8
// register tiles with load, store and multiply-accumulate).
//
// Async copy hazard: on Apple7 a device-to-threadgroup copy whose result is
// never observed can leave the GPU waiting forever. Every kernel that issues
// one must pass another threadgroup_barrier before it returns, and at least
// one thread must read from the copied region. The generators in mfa/gemm
// and mfa/attention are written to satisfy both conditions.
package headers

// SimdgroupEvent returns the metal_simdgroup_event header.
func SimdgroupEvent() string {
	return simdgroupEventSource
}

const simdgroupEventSource = `// -*- Metal -*-
//===-- metal_simdgroup_event ---------------------------------------------===//

#ifndef __METAL_SIMDGROUP_EVENT
#define __METAL_SIMDGROUP_EVENT

// Opaque handle produced by the AIR async copy intrinsics.
struct _simdgroup_event_t;

// air.simdgroup_async_copy_2d, device -> threadgroup.
thread _simdgroup_event_t*
__metal_simdgroup_async_copy_2d(
  ulong, ulong,
  threadgroup void *, ulong, ulong, ulong2,
  const device void *, ulong, ulong, ulong2,
  long2, int)
  __asm("air.simdgroup_async_copy_2d.p3i8.p1i8");

// air.simdgroup_async_copy_2d, threadgroup -> device.
thread _simdgroup_event_t*
__metal_simdgroup_async_copy_2d(
  ulong, ulong,
  device void *, ulong, ulong, ulong2,
  const threadgroup void *, ulong, ulong, ulong2,
  long2, int)
  __asm("air.simdgroup_async_copy_2d.p1i8.p3i8");

// air.wait_simdgroup_events
void __metal_wait_simdgroup_events(
  int, thread _simdgroup_event_t**)
  __asm("air.wait_simdgroup_events");

#pragma METAL internals : enable
namespace metal
{
  enum class simdgroup_async_copy_clamp_mode {
    clamp_to_zero = 0,
    clamp_to_edge = 1
  };

  struct simdgroup_event {
    METAL_FUNC simdgroup_event() thread {}

    // Copies src_tile_dimensions elements into a dst_tile_dimensions
    // region. Destination elements outside the source tile are filled
    // according to clamp_mode.
    template <typename T>
    METAL_FUNC void async_copy(
      threadgroup T *dst,
      ushort dst_elements_per_row,
      ushort2 dst_tile_dimensions,
      const device T *src,
      uint src_elements_per_row,
      ushort2 src_tile_dimensions,
      bool transpose_matrix = false,
      simdgroup_async_copy_clamp_mode clamp_mode =
        simdgroup_async_copy_clamp_mode::clamp_to_zero
    ) thread {
      if (transpose_matrix) {
        src_tile_dimensions = src_tile_dimensions.yx;
        dst_tile_dimensions = dst_tile_dimensions.yx;
      }
      event = __metal_simdgroup_async_copy_2d(
        sizeof(T),
        alignof(T),
        reinterpret_cast<threadgroup void *>(dst),
        ushort(dst_elements_per_row),
        1,
        ulong2(dst_tile_dimensions),
        reinterpret_cast<const device void *>(src),
        uint(src_elements_per_row),
        1,
        ulong2(src_tile_dimensions),
        long2(0),
        static_cast<int>(clamp_mode));
    }

    template <typename T>
    METAL_FUNC void async_copy(
      device T *dst,
      uint dst_elements_per_row,
      ushort2 dst_tile_dimensions,
      const threadgroup T *src,
      ushort src_elements_per_row,
      ushort2 src_tile_dimensions,
      bool transpose_matrix = false
    ) thread {
      if (transpose_matrix) {
        src_tile_dimensions = src_tile_dimensions.yx;
        dst_tile_dimensions = dst_tile_dimensions.yx;
      }
      event = __metal_simdgroup_async_copy_2d(
        sizeof(T),
        alignof(T),
        reinterpret_cast<device void *>(dst),
        uint(dst_elements_per_row),
        1,
        ulong2(dst_tile_dimensions),
        reinterpret_cast<const threadgroup void *>(src),
        ushort(src_elements_per_row),
        1,
        ulong2(src_tile_dimensions),
        long2(0),
        0);
    }

    METAL_FUNC static void wait(int count, thread simdgroup_event *events) {
      __metal_wait_simdgroup_events(
        count, reinterpret_cast<thread _simdgroup_event_t**>(events));
    }

  private:
    thread _simdgroup_event_t* event;
  };
} // namespace metal
#pragma METAL internals : disable

#endif // __METAL_SIMDGROUP_EVENT
`
