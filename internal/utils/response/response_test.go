package response

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/hou-li-xie/media-service/internal/mediaerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteErrorMissingChunk(t *testing.T) {
	rec := httptest.NewRecorder()
	require.NoError(t, WriteError(rec, mediaerr.NewMissingChunk([]int{3, 4})))

	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var body struct {
		Status    string `json:"status"`
		Kind      string `json:"kind"`
		Retryable bool   `json:"retryable"`
		Data      struct {
			ChunkIndex int   `json:"chunkIndex"`
			Missing    []int `json:"missing"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, StatusError, body.Status)
	assert.Equal(t, "missing_chunk", body.Kind)
	assert.False(t, body.Retryable)
	assert.Equal(t, 3, body.Data.ChunkIndex)
	assert.Equal(t, []int{3, 4}, body.Data.Missing)
}

func TestWriteErrorTimeoutSetsRetryAfter(t *testing.T) {
	rec := httptest.NewRecorder()
	require.NoError(t, WriteError(rec, mediaerr.New(mediaerr.KindTimeout, "chunk upload timed out")))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, RetryAfterSeconds, rec.Header().Get("Retry-After"))
}

func TestFromErrorHidesUnclassifiedCause(t *testing.T) {
	status, body := FromError(errors.New("open /srv/secret/path: permission denied"))

	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "internal error", body.Error)
	assert.True(t, body.Retryable)
}

func TestFromErrorHidesWrappedCause(t *testing.T) {
	err := mediaerr.Wrap(mediaerr.KindIOFailure, errors.New("/srv/videos/temp: no space"), "store chunk 3")
	_, body := FromError(err)
	assert.Equal(t, "store chunk 3", body.Error)
}

func TestValidationError(t *testing.T) {
	type req struct {
		FileType string `validate:"required,oneof=video image"`
		Total    int    `validate:"min=1"`
	}
	err := validator.New().Struct(req{FileType: "audio"})

	var verrs validator.ValidationErrors
	require.True(t, errors.As(err, &verrs))
	body := ValidationError(verrs)

	assert.Equal(t, "invalid_request", body.Kind)
	assert.Equal(t, "FileType: oneof; Total: min", body.Error)
}
