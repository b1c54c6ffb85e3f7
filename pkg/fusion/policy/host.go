package policy

import (
	"golang.org/x/sys/cpu"
	"k8s.io/klog/v2"
)

// HostHasFloat16 reports whether the host CPU has native float16 arithmetic (ARM64 ASIMDHP).
func HostHasFloat16() bool {
	return cpu.ARM64.HasASIMDHP
}

// HostHasBFloat16 reports whether the host CPU has native bfloat16 dot products (AVX512-BF16 or AMX-BF16).
func HostHasBFloat16() bool {
	return cpu.X86.HasAVX512BF16 || cpu.X86.HasAMXBF16
}

// ForHost returns the Default policy, with float16 fusions also allowed on CPU if the host supports it.
//
// bfloat16 stays enabled on CPU either way: without native support the fused kernels convert to float32.
func ForHost() *Table {
	klog.V(1).Infof("host CPU: float16=%v, bfloat16=%v", HostHasFloat16(), HostHasBFloat16())
	return newTable(HostHasFloat16())
}
