package response

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/hou-li-xie/media-service/internal/mediaerr"
)

type Response struct {
	Status    string      `json:"status"`
	Kind      string      `json:"kind,omitempty"`
	Error     string      `json:"error,omitempty"`
	Retryable bool        `json:"retryable,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Message   string      `json:"message,omitempty"`
}

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// RetryAfterSeconds is sent with 503 answers.
const RetryAfterSeconds = "5"

func WriteJSON(w http.ResponseWriter, status int, data interface{}) error {

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	return json.NewEncoder(w).Encode(data)
}

func GeneralError(err error) Response {
	return Response{
		Status: StatusError,
		Error:  err.Error(),
	}
}

func ValidationError(errs validator.ValidationErrors) Response {
	var errorMessages []string
	for _, err := range errs {
		errorMessages = append(errorMessages, err.Field()+": "+err.Tag())
	}

	return Response{
		Status: StatusError,
		Kind:   string(mediaerr.KindInvalidRequest),
		Error:  strings.Join(errorMessages, "; "),
	}
}

func RequestOK(message string, data interface{}) Response {
	return Response{
		Status:  StatusSuccess,
		Message: message,
		Data:    data,
	}
}

// FromError classifies err and returns the status and body to send. Only the
// message of a classified error reaches the client; causes stay in the logs.
func FromError(err error) (int, Response) {
	var me *mediaerr.Error
	if !errors.As(err, &me) {
		return http.StatusInternalServerError, Response{
			Status:    StatusError,
			Kind:      string(mediaerr.KindIOFailure),
			Error:     "internal error",
			Retryable: true,
		}
	}

	return mediaerr.Status(me.Kind), Response{
		Status:    StatusError,
		Kind:      string(me.Kind),
		Error:     me.Message,
		Retryable: mediaerr.Retryable(me.Kind),
		Data:      me.Detail,
	}
}

// WriteError renders err with its mapped status.
func WriteError(w http.ResponseWriter, err error) error {
	status, body := FromError(err)
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", RetryAfterSeconds)
	}
	return WriteJSON(w, status, body)
}
