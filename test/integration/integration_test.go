// +build integration

package integration

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/behrlich/go-eip"
)

// fakeAddr splits a FakePLCListener's bound address into a host and a
// numeric port suitable for eip.TagOptions.
func fakeAddr(t *testing.T, addr net.Addr) (string, int) {
	host, portStr, err := net.SplitHostPort(addr.String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}

func TestTagLifecycleReadWrite(t *testing.T) {
	fake, err := eip.NewFakePLCListener()
	require.NoError(t, err)
	defer fake.Close()

	host, port := fakeAddr(t, fake.Addr())
	fake.SetTagData("Counter", []byte{0x2A, 0x00, 0x00, 0x00}) // 42, little-endian DINT

	d := eip.NewDriver(nil)
	tag, err := d.Create(eip.TagOptions{
		Gateway:   host,
		Port:      port,
		Path:      "1,0",
		CPU:       eip.CPULGX,
		Name:      "Counter",
		ElemCount: 1,
		ElemSize:  4,
	})
	require.NoError(t, err)
	defer tag.Destroy()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, tag.Read(ctx, 3*time.Second))

	v, err := tag.GetInt32(0)
	require.NoError(t, err)
	require.Equal(t, int32(42), v)
	require.Equal(t, 1, fake.ReadCalls())

	require.NoError(t, tag.SetInt32(0, 99))
	require.NoError(t, tag.Write(ctx, 3*time.Second))
	require.Equal(t, 1, fake.WriteCalls())

	require.Equal(t, []byte{99, 0, 0, 0}, fake.TagData("Counter"))
}

func TestTagReadCacheSuppressesSecondRead(t *testing.T) {
	fake, err := eip.NewFakePLCListener()
	require.NoError(t, err)
	defer fake.Close()

	host, port := fakeAddr(t, fake.Addr())
	fake.SetTagData("Cached", []byte{1, 0, 0, 0})

	d := eip.NewDriver(nil)
	tag, err := d.Create(eip.TagOptions{
		Gateway:     host,
		Port:        port,
		Path:        "1,0",
		CPU:         eip.CPULGX,
		Name:        "Cached",
		ElemCount:   1,
		ElemSize:    4,
		ReadCacheMS: 60_000,
	})
	require.NoError(t, err)
	defer tag.Destroy()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, tag.Read(ctx, 3*time.Second))
	require.NoError(t, tag.Read(ctx, 3*time.Second))
	require.Equal(t, 1, fake.ReadCalls(), "second read within the cache window must not hit the wire")
}

func TestTagReadFragmentedContinuation(t *testing.T) {
	fake, err := eip.NewFakePLCListener()
	require.NoError(t, err)
	defer fake.Close()

	host, port := fakeAddr(t, fake.Addr())

	big := make([]byte, 600)
	for i := range big {
		big[i] = byte(i)
	}
	fake.SetTagData("BigArray", big)

	d := eip.NewDriver(nil)
	tag, err := d.Create(eip.TagOptions{
		Gateway:   host,
		Port:      port,
		Path:      "1,0",
		CPU:       eip.CPULGX,
		Name:      "BigArray",
		ElemCount: 150,
		ElemSize:  4,
	})
	require.NoError(t, err)
	defer tag.Destroy()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, tag.Read(ctx, 3*time.Second))
	require.Greater(t, fake.ReadCalls(), 1, "a 600-byte tag must require more than one fragment")

	for off := 0; off < len(big); off += 4 {
		v, err := tag.GetInt32(off)
		require.NoError(t, err)
		want := int32(big[off]) | int32(big[off+1])<<8 | int32(big[off+2])<<16 | int32(big[off+3])<<24
		require.Equal(t, want, v)
	}
}

func TestForwardOpenFailureSurfacesOnConnection(t *testing.T) {
	fake, err := eip.NewFakePLCListener()
	require.NoError(t, err)
	defer fake.Close()
	fake.FailForwardOpen()

	host, port := fakeAddr(t, fake.Addr())

	d := eip.NewDriver(nil)
	tag, err := d.Create(eip.TagOptions{
		Gateway:   host,
		Port:      port,
		Path:      "1,0",
		CPU:       eip.CPULGX,
		Name:      "Whatever",
		ElemCount: 1,
		ElemSize:  4,
	})
	require.NoError(t, err)
	defer tag.Destroy()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = tag.Read(ctx, 3*time.Second)
	require.Error(t, err, "a tag whose connection failed Forward Open must never complete a read")
}

func TestOutOfBoundsAccessorReturnsError(t *testing.T) {
	fake, err := eip.NewFakePLCListener()
	require.NoError(t, err)
	defer fake.Close()

	host, port := fakeAddr(t, fake.Addr())

	d := eip.NewDriver(nil)
	tag, err := d.Create(eip.TagOptions{
		Gateway:   host,
		Port:      port,
		Path:      "1,0",
		CPU:       eip.CPULGX,
		Name:      "Small",
		ElemCount: 1,
		ElemSize:  4,
	})
	require.NoError(t, err)
	defer tag.Destroy()

	_, err = tag.GetInt32(1) // offset 1..4 runs past a 4-byte buffer
	require.Error(t, err)
	require.True(t, eip.IsCode(err, eip.ErrCodeOutOfBounds))
}
