package proxy

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/arbiterhq/arbiter/internal/core/constants"
	"github.com/arbiterhq/arbiter/internal/core/domain"
	"github.com/arbiterhq/arbiter/internal/logger"
)

// ErrorRenderer writes the client-facing error envelope for every failure
// the forwarding flow can produce
type ErrorRenderer struct {
	log logger.StyledLogger
}

func NewErrorRenderer(log logger.StyledLogger) *ErrorRenderer {
	return &ErrorRenderer{log: log}
}

// Render maps a forwarding error onto status, headers and envelope
func (r *ErrorRenderer) Render(w http.ResponseWriter, sess *domain.Session, err error) {
	status, envelope, headers := r.classify(err)

	for k, v := range headers {
		w.Header().Set(k, v)
	}
	w.Header().Set(constants.HeaderContentType, constants.ContentTypeJSON)
	if sess != nil {
		w.Header().Set(constants.HeaderRequestIDEcho, sess.RequestID)
	}
	w.WriteHeader(status)

	if status == constants.StatusClientAbort {
		// nobody is listening
		return
	}
	if encodeErr := json.NewEncoder(w).Encode(envelope); encodeErr != nil {
		r.log.Debug("failed writing error envelope", "error", encodeErr)
	}
}

func (r *ErrorRenderer) classify(err error) (int, domain.ErrorEnvelope, map[string]string) {
	var rateErr *domain.RateLimitError
	if errors.As(err, &rateErr) {
		headers := map[string]string{
			constants.HeaderRetryAfter: strconv.Itoa(rateErr.RetryAfterSeconds(time.Now())),
		}
		env := domain.ErrorEnvelope{
			Status: http.StatusTooManyRequests,
			Error: domain.ErrorBody{
				Type:    string(domain.ErrKindRateLimit),
				Message: rateErr.Error(),
			},
			LimitType:    rateErr.LimitType,
			CurrentUsage: rateErr.Current,
			LimitValue:   rateErr.Limit,
			ResetTime:    rateErr.ResetTime,
		}
		return http.StatusTooManyRequests, env, headers
	}

	var abortErr *domain.ClientAbortError
	if errors.As(err, &abortErr) {
		return constants.StatusClientAbort, domain.ErrorEnvelope{}, nil
	}

	var inputErr *domain.ClientInputError
	if errors.As(err, &inputErr) {
		status := inputErr.StatusCode
		if status == 0 {
			status = http.StatusBadRequest
		}
		return status, domain.ErrorEnvelope{
			Status: status,
			Error: domain.ErrorBody{
				Type:    string(domain.ErrKindClientInput),
				Message: inputErr.Message,
			},
		}, nil
	}

	var timeoutErr *domain.TimeoutError
	if errors.As(err, &timeoutErr) {
		return timeoutErr.StatusCode(), domain.ErrorEnvelope{
			Status: timeoutErr.StatusCode(),
			Error: domain.ErrorBody{
				Type:    string(domain.ErrKindTimeout),
				Message: timeoutErr.Error(),
			},
		}, nil
	}

	var httpErr *domain.UpstreamHTTPError
	if errors.As(err, &httpErr) {
		kind := domain.ErrKindProvider
		if httpErr.StatusCode == http.StatusNotFound {
			kind = domain.ErrKindNotFound
		}
		typ := httpErr.Type
		if typ == "" {
			typ = string(kind)
		}
		return httpErr.StatusCode, domain.ErrorEnvelope{
			Status: httpErr.StatusCode,
			Error: domain.ErrorBody{
				Type:    typ,
				Message: httpErr.Message,
			},
		}, nil
	}

	var downErr *domain.AllProvidersUnavailableError
	if errors.As(err, &downErr) {
		return http.StatusServiceUnavailable, domain.ErrorEnvelope{
			Status: http.StatusServiceUnavailable,
			Error: domain.ErrorBody{
				Type:    string(domain.ErrKindAllProvidersDown),
				Message: downErr.Error(),
			},
		}, nil
	}

	var emptyErr *domain.EmptyResponseError
	if errors.As(err, &emptyErr) {
		return http.StatusBadGateway, domain.ErrorEnvelope{
			Status: http.StatusBadGateway,
			Error: domain.ErrorBody{
				Type:    string(domain.ErrKindProvider),
				Message: emptyErr.Error(),
			},
		}, nil
	}

	return http.StatusInternalServerError, domain.ErrorEnvelope{
		Status: http.StatusInternalServerError,
		Error: domain.ErrorBody{
			Type:    string(domain.ErrKindProvider),
			Message: err.Error(),
		},
	}, nil
}
