package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation"

	"github.com/xtrntr/papertrade/internal/portfolio"
)

const maxBodyBytes = 1 << 20

var (
	errInvalidBody         = errors.New("invalid request body")
	errMissingUsername     = errors.New("must provide username")
	errMissingPassword     = errors.New("must provide password")
	errMissingConfirmation = errors.New("must confirm password")
	errPasswordMismatch    = errors.New("passwords do not match")
	errUsernameTooLong     = errors.New("username too long (max 50 characters)")
	errPasswordTooLong     = errors.New("password too long (max 72 characters)")
	wholeNumber            = regexp.MustCompile(`^[0-9]+$`)
)

// fields is a flattened request body. JSON and form posts decode to the same shape.
type fields map[string]string

// readFields merges query parameters with a JSON or form-encoded body
func readFields(w http.ResponseWriter, r *http.Request) (fields, error) {
	out := fields{}
	for key := range r.URL.Query() {
		out[key] = r.URL.Query().Get(key)
	}
	if r.Body == nil {
		return out, nil
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var raw map[string]interface{}
		dec := json.NewDecoder(r.Body)
		dec.UseNumber()
		if err := dec.Decode(&raw); err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return nil, errInvalidBody
		}
		for key, value := range raw {
			switch v := value.(type) {
			case nil:
			case string:
				out[key] = v
			case json.Number:
				out[key] = v.String()
			default:
				out[key] = fmt.Sprint(v)
			}
		}
		return out, nil
	}

	if err := r.ParseForm(); err != nil {
		return nil, errInvalidBody
	}
	for key := range r.PostForm {
		out[key] = r.PostForm.Get(key)
	}
	return out, nil
}

// firstError reduces ozzo's per-field errors to the message of the first
// failing field in the given order.
func firstError(err error, order ...string) error {
	var errs validation.Errors
	if !errors.As(err, &errs) {
		return err
	}
	for _, field := range order {
		if fieldErr, ok := errs[field]; ok && fieldErr != nil {
			return errors.New(fieldErr.Error())
		}
	}
	return err
}

type registerRequest struct {
	Username     string `json:"username"`
	Password     string `json:"password"`
	Confirmation string `json:"confirmation"`
}

func (req *registerRequest) Validate() error {
	err := validation.ValidateStruct(req,
		validation.Field(&req.Username,
			validation.Required.Error(errMissingUsername.Error()),
			validation.Length(1, 50).Error(errUsernameTooLong.Error())),
		validation.Field(&req.Password,
			validation.Required.Error(errMissingPassword.Error()),
			validation.Length(1, 72).Error(errPasswordTooLong.Error())),
		validation.Field(&req.Confirmation,
			validation.Required.Error(errMissingConfirmation.Error())),
	)
	if err != nil {
		return firstError(err, "username", "password", "confirmation")
	}

	if req.Password != req.Confirmation {
		return errPasswordMismatch
	}
	return nil
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (req *loginRequest) Validate() error {
	err := validation.ValidateStruct(req,
		validation.Field(&req.Username, validation.Required.Error(errMissingUsername.Error())),
		validation.Field(&req.Password, validation.Required.Error(errMissingPassword.Error())),
	)
	return firstError(err, "username", "password")
}

type quoteRequest struct {
	Symbol string `json:"symbol"`
}

func (req *quoteRequest) Validate() error {
	err := validation.ValidateStruct(req,
		validation.Field(&req.Symbol, validation.Required.Error(portfolio.ErrMissingSymbol.Error())),
	)
	return firstError(err, "symbol")
}

// tradeRequest is a buy or sell order. Shares arrive as text from forms and
// as a number from JSON; only whole non-negative numbers pass validation.
type tradeRequest struct {
	Symbol string `json:"symbol"`
	Shares string `json:"shares"`
}

func (req *tradeRequest) Validate() error {
	err := validation.ValidateStruct(req,
		validation.Field(&req.Symbol, validation.Required.Error(portfolio.ErrMissingSymbol.Error())),
		validation.Field(&req.Shares,
			validation.Required.Error(portfolio.ErrInvalidShares.Error()),
			validation.Match(wholeNumber).Error(portfolio.ErrInvalidShares.Error())),
	)
	return firstError(err, "symbol", "shares")
}

// shareCount parses the validated share count. Values that overflow int64
// are rejected like any other invalid count.
func (req *tradeRequest) shareCount() (int64, error) {
	n, err := strconv.ParseInt(req.Shares, 10, 64)
	if err != nil {
		return 0, portfolio.ErrInvalidShares
	}
	return n, nil
}
