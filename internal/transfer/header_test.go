package transfer_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/relayfs/internal/transfer"
)

func TestEncodeHeader(t *testing.T) {
	t.Parallel()

	hdr, err := transfer.EncodeHeader(5)
	require.NoError(t, err)
	assert.Equal(t, "0000000005", string(hdr))

	hdr, err = transfer.EncodeHeader(transfer.MaxDeclaredSize)
	require.NoError(t, err)
	assert.Equal(t, "9999999999", string(hdr))

	_, err = transfer.EncodeHeader(transfer.MaxDeclaredSize + 1)
	require.ErrorIs(t, err, transfer.ErrProtocol)
}

func TestParseHeader(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    uint64
		wantErr bool
	}{
		{in: "0000000000", want: 0},
		{in: "0000000005", want: 5},
		{in: "0001048576", want: 1048576},
		{in: "      1234", want: 1234},
		{in: "00000abc00", wantErr: true},
		{in: "-000000001", wantErr: true},
		{in: "12345", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, err := transfer.ParseHeader([]byte(tt.in))
			if tt.wantErr {
				require.ErrorIs(t, err, transfer.ErrProtocol)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReadHeader_ShortStream(t *testing.T) {
	t.Parallel()

	_, err := transfer.ReadHeader(bytes.NewReader([]byte("00001")))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read size header")
}

func TestSendTimeout(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "10s", transfer.SendTimeout(1000).String())
	assert.Equal(t, "10s", transfer.SendTimeout(100000).String())
	assert.Equal(t, "30s", transfer.SendTimeout(100001).String())
	assert.Equal(t, "40s", transfer.SendTimeout(1_000_000).String())
}

func TestErrorMessages(t *testing.T) {
	t.Parallel()

	capErr := &transfer.CapacityError{Need: 10, Free: 3}
	assert.Equal(t, "No space: need 10 bytes, free 3 bytes", capErr.Error())
	assert.ErrorIs(t, capErr, transfer.ErrCapacity)

	during := &transfer.CapacityError{Need: 7, Free: 2, During: true}
	assert.Equal(t, "No space during upload: need additional 7 bytes, free 2 bytes", during.Error())
}
