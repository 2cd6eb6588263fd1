package afpacket

import (
	"testing"

	"github.com/google/gopacket/afpacket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firestige/plumber/internal/pipe"
)

func TestConfigWithDefaultsFillsZeroValues(t *testing.T) {
	c := Config{Interface: "eth0"}.withDefaults()
	assert.Equal(t, defaultSnapLen, c.SnapLen)
	assert.Equal(t, defaultBlockSize, c.BlockSize)
	assert.Equal(t, defaultNumBlocks, c.NumBlocks)
	assert.Equal(t, defaultFanoutType, c.FanoutType)
	assert.Equal(t, defaultFanoutID, c.FanoutID)
}

func TestConfigWithDefaultsPreservesExplicitValues(t *testing.T) {
	c := Config{Interface: "eth0", SnapLen: 128, FanoutType: "cpu", FanoutID: 7}.withDefaults()
	assert.Equal(t, 128, c.SnapLen)
	assert.Equal(t, "cpu", c.FanoutType)
	assert.Equal(t, 7, c.FanoutID)
}

func TestParseFanoutTypeKnownValues(t *testing.T) {
	ft, err := parseFanoutType("hash")
	require.NoError(t, err)
	assert.Equal(t, afpacket.FanoutHash, ft)

	ft, err = parseFanoutType("cpu")
	require.NoError(t, err)
	assert.Equal(t, afpacket.FanoutCPU, ft)

	ft, err = parseFanoutType("lb")
	require.NoError(t, err)
	assert.Equal(t, afpacket.FanoutLB, ft)
}

func TestParseFanoutTypeRejectsUnknown(t *testing.T) {
	_, err := parseFanoutType("round-robin")
	assert.Error(t, err)
}

func TestPacketModuleGetHdrBufReturnsContiguousBorrow(t *testing.T) {
	frame := []byte{0xDE, 0xAD, 0xBE, 0xEF, 0x01, 0x02}
	pm := &PacketModule{iface: "eth0", data: frame}

	res, err := pm.Cntl(pipe.OpGetHdrBuf, 4)
	require.NoError(t, err)
	buf := res.(pipe.DirectBuffer)
	require.False(t, buf.IsNull())
	assert.Equal(t, frame, buf.Bytes)

	// A second GET_HDR_BUF for more bytes than remain falls back to the
	// null-buffer sentinel rather than erroring.
	res, err = pm.Cntl(pipe.OpGetHdrBuf, 1)
	require.NoError(t, err)
	assert.True(t, res.(pipe.DirectBuffer).IsNull())
}

func TestPacketModuleReadBytesAdvancesPosition(t *testing.T) {
	pm := &PacketModule{iface: "eth0", data: []byte{1, 2, 3, 4}}
	buf := make([]byte, 2)

	n, err := pm.ReadBytes(buf)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []byte{1, 2}, buf)

	n, err = pm.ReadBytes(buf)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []byte{3, 4}, buf)
}

func TestPacketModuleWriteBytesRejected(t *testing.T) {
	pm := &PacketModule{iface: "eth0", data: []byte{1}}
	_, err := pm.WriteBytes([]byte{1})
	assert.Error(t, err)
}

func TestPacketModuleModPathReportsInterface(t *testing.T) {
	pm := &PacketModule{iface: "eth0", data: []byte{1}}
	res, err := pm.Cntl(pipe.OpModPath, nil)
	require.NoError(t, err)
	assert.Equal(t, "eth0", res)
}
