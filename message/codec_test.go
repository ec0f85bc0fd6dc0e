package message

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestBuildParseRequestRoundTrip(t *testing.T) {
	id := uuid.New()
	hdr := &RequestHeader{
		RequestID: id,
		Service:   "echo",
		Method:    "Echo",
	}
	body := Part("hi")
	attachments := []Part{Part("a1"), Part("a2")}

	m, err := BuildRequest(hdr, body, attachments)
	require.NoError(t, err)
	require.NoError(t, CheckLimits(m))

	kind, err := GetMessageKind(m)
	require.NoError(t, err)
	require.Equal(t, KindRequest, kind)

	got, err := ParseRequestHeader(m)
	require.NoError(t, err)
	require.Equal(t, hdr.RequestID, got.RequestID)
	require.Equal(t, hdr.Service, got.Service)
	require.Equal(t, hdr.Method, got.Method)

	// Body and attachments come back unchanged; Build shares the caller's
	// buffers rather than copying them.
	require.Equal(t, body, m.Body())
	require.Equal(t, attachments, m.Attachments())
}

func TestBuildErrorResponseHasNoBody(t *testing.T) {
	hdr := &ResponseHeader{
		RequestID: uuid.New(),
		Error:     &WireError{Code: 105, Message: "unavailable"},
	}
	m, err := BuildErrorResponse(hdr)
	require.NoError(t, err)
	require.Len(t, m.Parts, 1)

	got, err := ParseResponseHeader(m)
	require.NoError(t, err)
	require.NotNil(t, got.Error)
	require.Equal(t, int32(105), got.Error.Code)
}

func TestCheckLimitsRejectsOversizedPartCount(t *testing.T) {
	parts := make([]Part, MaxParts+1)
	err := CheckLimits(Message{Parts: parts})
	require.Error(t, err)
}

func TestGetMessageKindRejectsShortPart(t *testing.T) {
	_, err := GetMessageKind(Message{Parts: []Part{{1, 2}}})
	require.Error(t, err)
}
