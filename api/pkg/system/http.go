package system

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	stdlog "log"
	"net/http"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog/log"
)

// the sub path any API's are served over
const APISubPath = "/api/v1"

type HTTPError struct {
	StatusCode int
	Message    string
	// Headers are copied onto the response, e.g. Retry-After.
	Headers http.Header
}

func (e *HTTPError) Error() string {
	return e.Message
}

func NewHTTPError400(message string) *HTTPError {
	return &HTTPError{
		StatusCode: http.StatusBadRequest,
		Message:    message,
	}
}

func NewHTTPError401(message string) *HTTPError {
	return &HTTPError{
		StatusCode: http.StatusUnauthorized,
		Message:    message,
	}
}

func NewHTTPError403(message string) *HTTPError {
	return &HTTPError{
		StatusCode: http.StatusForbidden,
		Message:    message,
	}
}

func NewHTTPError404(message string) *HTTPError {
	return &HTTPError{
		StatusCode: http.StatusNotFound,
		Message:    message,
	}
}

func NewHTTPError413(message string) *HTTPError {
	return &HTTPError{
		StatusCode: http.StatusRequestEntityTooLarge,
		Message:    message,
	}
}

func NewHTTPError429(message string, headers http.Header) *HTTPError {
	return &HTTPError{
		StatusCode: http.StatusTooManyRequests,
		Message:    message,
		Headers:    headers,
	}
}

func NewHTTPError500(message string) *HTTPError {
	return &HTTPError{
		StatusCode: http.StatusInternalServerError,
		Message:    message,
	}
}

func NewHTTPError502(message string) *HTTPError {
	return &HTTPError{
		StatusCode: http.StatusBadGateway,
		Message:    message,
	}
}

func NewHTTPError503(message string) *HTTPError {
	return &HTTPError{
		StatusCode: http.StatusServiceUnavailable,
		Message:    message,
	}
}

type httpErrorHandler func(err *HTTPError, req *http.Request)

var HTTPErrorHandler httpErrorHandler

// functions that understand they need to return a http error
type httpWrapper[T any] func(res http.ResponseWriter, req *http.Request) (T, *HTTPError)

type WrapperConfig struct {
	SilenceErrors bool
}

func SetHTTPErrorHandler(handler httpErrorHandler) {
	HTTPErrorHandler = handler
}

// WriteHTTPError writes err the same way Wrapper does, for handlers that
// stream their response and can't return through a wrapper.
func WriteHTTPError(res http.ResponseWriter, req *http.Request, err *HTTPError, config WrapperConfig) {
	if HTTPErrorHandler != nil {
		HTTPErrorHandler(err, req)
	}
	if !config.SilenceErrors && err.StatusCode >= http.StatusInternalServerError {
		log.Error().Str("path", req.URL.Path).Msgf("error for route: %s", err.Error())
	}
	statusCode := err.StatusCode
	if statusCode == 0 {
		statusCode = http.StatusInternalServerError
	}
	for key, values := range err.Headers {
		for _, value := range values {
			res.Header().Add(key, value)
		}
	}
	http.Error(res, err.Error(), statusCode)
}

// wrap a http handler with some error handling
// so if it returns an error we handle it
func Wrapper[T any](handler httpWrapper[T]) func(res http.ResponseWriter, req *http.Request) {
	return WrapperWithConfig(handler, WrapperConfig{})
}

func WrapperWithConfig[T any](handler httpWrapper[T], config WrapperConfig) func(res http.ResponseWriter, req *http.Request) {
	ret := func(res http.ResponseWriter, req *http.Request) {
		data, err := handler(res, req)
		if err != nil {
			WriteHTTPError(res, req, err, config)
			return
		}
		res.Header().Set("Content-Type", "application/json")
		jsonError := json.NewEncoder(res).Encode(data)
		if jsonError != nil {
			log.Ctx(req.Context()).Error().Msgf("error for json encoding: %s", jsonError.Error())
			http.Error(res, jsonError.Error(), http.StatusInternalServerError)
			return
		}
	}
	return ret
}

func AddAuthHeadersRetryable(
	req *retryablehttp.Request,
	token string,
) error {
	if token != "" {
		req.Header.Add("Authorization", fmt.Sprintf("Bearer %s", token))
	}
	return nil
}

func NewRetryClient(retryMax int, tlsSkipVerify bool) *retryablehttp.Client {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = retryMax

	if tlsSkipVerify {
		retryClient.HTTPClient.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}
	retryClient.Logger = stdlog.New(io.Discard, "", stdlog.LstdFlags)
	retryClient.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, attempt int) {
		log.Trace().
			Str(req.Method, req.URL.String()).
			Int("attempt", attempt).
			Msgf("")
	}
	retryClient.CheckRetry = func(_ context.Context, resp *http.Response, err error) (bool, error) {
		if resp == nil {
			return true, err
		}
		log.Trace().
			Str(resp.Request.Method, resp.Request.URL.String()).
			Int("code", resp.StatusCode).
			Msgf("")
		// don't retry for auth errors
		return resp.StatusCode >= 500, nil
	}
	return retryClient
}
