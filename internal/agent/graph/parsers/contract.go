package parsers

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/promptchain/server/internal/agent/model"
	errx "github.com/promptchain/server/internal/core/error"
	logx "github.com/promptchain/server/pkg/logger"
)

// Parse decodes a model response into the stage record T and checks it against
// the record's contract. Failures are ParseError or ConstraintError AppErrors;
// Parse never panics.
func Parse[T any, PT interface {
	*T
	model.Contract
}](content string) (out PT, err error) {
	defer func() {
		if r := recover(); r != nil {
			logx.Error().Str("component", "contract_parser").Msgf("panic recovered: %v", r)
			out = nil
			err = errx.Parse(fmt.Errorf("parser panic: %v", r), "structured payload could not be parsed")
		}
	}()

	payload, err := ExtractPayload(content)
	if err != nil {
		return nil, err
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(payload), &fields); err != nil {
		return nil, errx.Parse(err, "structured payload is not a json object")
	}

	out = PT(new(T))
	for _, name := range out.RequiredFields() {
		raw, ok := fields[name]
		if !ok || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
			return nil, errx.Constraint(name, "is required")
		}
	}

	if err := json.Unmarshal([]byte(payload), out); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return nil, errx.Constraint(typeErr.Field, "expected "+typeErr.Type.String()+", got "+typeErr.Value)
		}
		return nil, errx.Parse(err, "structured payload could not be decoded")
	}

	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}
