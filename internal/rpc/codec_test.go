package rpc

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/encoding"
)

func TestCodec_Registered(t *testing.T) {
	t.Parallel()
	c := encoding.GetCodec(CodecName)
	require.NotNil(t, c)
	require.Equal(t, CodecName, c.Name())
}

func TestCodec_CiphertextIsBase64(t *testing.T) {
	t.Parallel()
	var c Codec
	b, err := c.Marshal(&ItemRequest{Database: DatabaseRef{DatabaseNameHash: "h"}, ItemID: "a", Record: []byte{0xff, 0x00}})
	require.NoError(t, err)
	s := string(b)
	require.Contains(t, s, `"record":"/wA="`)
	require.Contains(t, s, `"database_name_hash":"h"`)
	require.False(t, strings.Contains(s, "share_token"), s)

	var back ItemRequest
	require.NoError(t, c.Unmarshal(b, &back))
	require.Equal(t, []byte{0xff, 0x00}, back.Record)
}

func TestModifyRequest_DistinguishesUnsetFromFalse(t *testing.T) {
	t.Parallel()
	var c Codec
	var req ModifyDatabasePermissionsRequest
	require.NoError(t, c.Unmarshal([]byte(`{"username":"bob","read_only":false}`), &req))
	require.NotNil(t, req.ReadOnly)
	require.False(t, *req.ReadOnly)
	require.Nil(t, req.ResharingAllowed)
}
