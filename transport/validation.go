// Copyright 2025 go-tradenet
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/go-tradenet/tradecore/logging"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// MustRegisterValidation registers a named validator on the shared validate
// instance. Protocol packages call this from init to add their own tag
// checks; a registration failure is a programming error, hence the panic.
func MustRegisterValidation(tag string, fn validator.Func) {
	if err := validate.RegisterValidation(tag, fn); err != nil {
		panic(err.Error())
	}
}

// EncodeValid validates v and writes it as JSON with the given status code.
func EncodeValid[T any](w http.ResponseWriter, r *http.Request, status int, v T) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := validate.Struct(v); err != nil {
		return handleValidationError(err, logging.Extract(r.Context()))
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		return fmt.Errorf("encode json: %w", err)
	}
	return nil
}

// DecodeValid decodes the request body into T and validates it.
func DecodeValid[T any](r *http.Request) (T, error) {
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		return v, fmt.Errorf("decode json: %w", err)
	}

	if err := validate.Struct(v); err != nil {
		return v, handleValidationError(err, logging.Extract(r.Context()))
	}

	return v, nil
}

// ValidateAndMarshal validates s and marshals it to JSON.
func ValidateAndMarshal[T any](ctx context.Context, s T) ([]byte, error) {
	logger := logging.Extract(ctx)
	if err := validate.Struct(s); err != nil {
		return nil, handleValidationError(err, logger)
	}
	return json.Marshal(s)
}

// UnmarshalAndValidate unmarshals b into s and validates the result.
func UnmarshalAndValidate[T any](ctx context.Context, b []byte, s T) (T, error) {
	logger := logging.Extract(ctx)
	if err := json.Unmarshal(b, &s); err != nil {
		logger.Error("Couldn't unmarshal JSON", "err", err)
		return s, fmt.Errorf("couldn't unmarshal JSON")
	}

	if err := validate.Struct(s); err != nil {
		return s, handleValidationError(err, logger)
	}
	return s, nil
}

func handleValidationError(err error, logger *slog.Logger) error {
	// This should rarely if ever happen, but guard for it anyway.
	if _, ok := err.(*validator.InvalidValidationError); ok { //nolint:errorlint
		logger.Error("Invalid validation", "err", err)
		return fmt.Errorf("invalid validation")
	}

	for _, err := range err.(validator.ValidationErrors) { //nolint:errorlint,forcetypeassert
		logger.Error(
			"Validation error",
			"Namespace", err.Namespace(),
			"Field", err.Field(),
			"Tag", err.Tag(),
			"Kind", err.Kind(),
			"Value", err.Value(),
			"Param", err.Param(),
		)
		return fmt.Errorf("validation error")
	}
	logger.Error("Unknown error", "err", err)
	return err
}
