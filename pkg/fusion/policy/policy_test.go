package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/remapper/pkg/core/dtypes"
)

func TestDeviceKind(t *testing.T) {
	for _, device := range []DeviceKind{CPU, GPU, XPU} {
		parsed, err := ParseDeviceKind(device.String())
		require.NoError(t, err)
		assert.Equal(t, device, parsed)
	}
	parsed, err := ParseDeviceKind("gpu")
	require.NoError(t, err)
	assert.Equal(t, GPU, parsed)
	_, err = ParseDeviceKind("TPU")
	require.Error(t, err)

	assert.False(t, CPU.IsAccelerator())
	assert.True(t, GPU.IsAccelerator())
	assert.True(t, XPU.IsAccelerator())
}

func TestDefault(t *testing.T) {
	p := Default()
	require.NoError(t, p.Validate())
	const id = "MatMul+BiasAdd+Relu"

	// float16 requires an accelerator.
	assert.False(t, p.IsAllowed(id, dtypes.Float16, CPU))
	assert.True(t, p.IsAllowed(id, dtypes.Float16, GPU))
	assert.True(t, p.IsAllowed(id, dtypes.Float16, XPU))

	for _, device := range []DeviceKind{CPU, GPU, XPU} {
		assert.True(t, p.IsAllowed(id, dtypes.Float32, device))
		assert.True(t, p.IsAllowed(id, dtypes.BFloat16, device))
		assert.False(t, p.IsAllowed(id, dtypes.Int32, device))
		assert.False(t, p.IsAllowed("MatMul+BiasAdd+GeluExact", dtypes.BFloat16, device))
		assert.True(t, p.IsAllowed("MatMul+BiasAdd+GeluApproximate", dtypes.BFloat16, device))
		assert.True(t, p.IsAllowed("MatMul+BiasAdd+GeluExact", dtypes.Float32, device))
	}
	assert.False(t, p.IsAllowed(id, dtypes.Float32, DeviceKind(7)), "unknown devices have no capabilities")
}

func TestTable(t *testing.T) {
	p := Default()
	p.Never = []string{"Conv2D+*"}
	assert.False(t, p.IsAllowed("Conv2D+BiasAdd", dtypes.Float32, GPU))
	assert.True(t, p.IsAllowed("MatMul+BiasAdd", dtypes.Float32, GPU))

	p.Deny(dtypes.Float32, "MatMul+BiasAdd")
	assert.False(t, p.IsAllowed("MatMul+BiasAdd", dtypes.Float32, GPU))
	assert.True(t, p.IsAllowed("MatMul+BiasAdd+Relu", dtypes.Float32, GPU))

	p.Deny(dtypes.Float32, "[")
	require.Error(t, p.Validate())

	assert.True(t, AllowAll{}.IsAllowed("anything", dtypes.Int8, CPU))
}

func TestForHost(t *testing.T) {
	p := ForHost()
	assert.Equal(t, HostHasFloat16(), p.IsAllowed("MatMul+BiasAdd", dtypes.Float16, CPU))
	assert.True(t, p.IsAllowed("MatMul+BiasAdd", dtypes.Float16, GPU))

	// Only ForHost relaxes float16 on CPU: the default table rejects it on any host.
	assert.False(t, Default().IsAllowed("MatMul+BiasAdd", dtypes.Float16, CPU))
	assert.False(t, newTable(false).IsAllowed("MatMul+BiasAdd", dtypes.Float16, CPU))
	assert.True(t, newTable(true).IsAllowed("MatMul+BiasAdd", dtypes.Float16, CPU))
}
