package devrt

import (
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestSelectDeviceIndex(t *testing.T) {
	for deviceCount := 1; deviceCount <= 4; deviceCount++ {
		for rank := 0; rank < 12; rank++ {
			idx, err := SelectDeviceIndex(rank, deviceCount, false)
			require.NoError(t, err)
			require.Equal(t, rank%deviceCount, idx)
			require.Less(t, idx, deviceCount)

			idx, err = SelectDeviceIndex(rank, deviceCount, true)
			require.NoError(t, err)
			require.Equal(t, 0, idx, "shared-device mode must always bind device 0")
		}
	}

	// No devices.
	for _, shared := range []bool{false, true} {
		for _, deviceCount := range []int{0, -1} {
			_, err := SelectDeviceIndex(0, deviceCount, shared)
			require.Error(t, err)
			require.Equal(t, StageBind, SetupErrorStage(err))
		}
	}

	_, err := SelectDeviceIndex(-1, 2, false)
	require.Equal(t, StageArguments, SetupErrorStage(err))
}

func TestBindDevice(t *testing.T) {
	d := registerFake(t, &fakeDriver{count: 3})
	device, err := BindDevice(d, 4, 6, false)
	require.NoError(t, err)
	fmt.Printf("Bound to %s\n", device)
	require.Equal(t, 1, device.Ordinal())
	require.Equal(t, d, device.Driver())

	device, err = BindDevice(d, 5, 6, true)
	require.NoError(t, err)
	require.Equal(t, 0, device.Ordinal())

	// Single process always binds device 0.
	device, err = BindDevice(d, 0, 1, false)
	require.NoError(t, err)
	require.Equal(t, 0, device.Ordinal())

	// Driver initialized only once.
	require.EqualValues(t, 1, d.initCalls.Load())

	// Invalid topologies.
	for _, topology := range [][2]int{{-1, 2}, {2, 2}, {0, 0}} {
		_, err = BindDevice(d, topology[0], topology[1], false)
		require.Error(t, err)
		require.Equal(t, StageArguments, SetupErrorStage(err), "rank=%d, worldSize=%d", topology[0], topology[1])
	}
}

func TestBindDeviceFailures(t *testing.T) {
	t.Run("no-devices", func(t *testing.T) {
		d := registerFake(t, &fakeDriver{count: 0})
		_, err := BindDevice(d, 0, 1, false)
		require.Equal(t, StageBind, SetupErrorStage(err))
		require.EqualValues(t, 0, d.initCalls.Load())
	})
	t.Run("device-count", func(t *testing.T) {
		d := registerFake(t, &fakeDriver{countErr: errors.New("no driver installed")})
		_, err := BindDevice(d, 0, 1, false)
		require.Equal(t, StageDeviceCount, SetupErrorStage(err))
	})
	t.Run("initialize", func(t *testing.T) {
		d := registerFake(t, &fakeDriver{count: 1, initErr: errors.New("driver version mismatch")})
		_, err := BindDevice(d, 0, 1, false)
		require.Equal(t, StageInitialize, SetupErrorStage(err))
		fmt.Printf("Expected error: %+v\n", err)
		// The failure is remembered: Initialize is not retried.
		_, err = BindDevice(d, 0, 1, false)
		require.Equal(t, StageInitialize, SetupErrorStage(err))
		require.EqualValues(t, 1, d.initCalls.Load())
	})
	t.Run("not-registered", func(t *testing.T) {
		d := &fakeDriver{name: "unregistered", count: 1}
		_, err := BindDevice(d, 0, 1, false)
		require.Equal(t, StageInitialize, SetupErrorStage(err))
	})
}
