package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/kenhuangus/agent-payment-platform/pkg/errorir"
)

const maxBodyBytes = 1 << 20

const amountSchema = `{"type": ["string", "number"], "pattern": "^[0-9]+(\\.[0-9]+)?$", "minimum": 0}`

var requestSchemas = map[string]string{
	"consent": `{
		"type": "object",
		"required": ["agent_id", "owner_party_id", "rails", "counterparties_allow", "limits"],
		"properties": {
			"id": {"type": "string", "maxLength": 128},
			"agent_id": {"type": "string", "minLength": 1},
			"owner_party_id": {"type": "string", "minLength": 1},
			"rails": {"type": "array", "items": {"type": "string", "minLength": 1}},
			"counterparties_allow": {"type": "array", "items": {"type": "string", "minLength": 1}},
			"limits": {
				"type": "object",
				"required": ["single_txn_usd", "daily_usd", "max_txn_per_hour"],
				"properties": {
					"single_txn_usd": ` + amountSchema + `,
					"daily_usd": ` + amountSchema + `,
					"max_txn_per_hour": {"type": "integer", "minimum": 0}
				}
			},
			"cosign_rule": {
				"type": "object",
				"properties": {
					"threshold_usd": ` + amountSchema + `,
					"approver_group": {"type": "string"}
				}
			},
			"policy_bundle_version": {"type": "string"},
			"revoked": {"const": false}
		}
	}`,
	"payment": `{
		"type": "object",
		"required": ["agent_id", "consent_id", "amount", "currency", "counterparty"],
		"properties": {
			"request_id": {"type": "string", "maxLength": 128},
			"agent_id": {"type": "string", "minLength": 1},
			"consent_id": {"type": "string", "minLength": 1},
			"amount": ` + amountSchema + `,
			"currency": {"type": "string", "pattern": "^[A-Za-z]{3}$"},
			"counterparty": {"type": "string", "minLength": 1},
			"rail": {"type": "string"},
			"memo": {"type": "string", "maxLength": 512}
		}
	}`,
	"decision": `{
		"type": "object",
		"required": ["approved"],
		"properties": {"approved": {"type": "boolean"}}
	}`,
	"cancel": `{
		"type": "object",
		"properties": {"reason": {"type": "string", "maxLength": 512}}
	}`,
}

// schemas holds the compiled request body schemas by name.
type schemas map[string]*jsonschema.Schema

func compileSchemas() (schemas, error) {
	out := make(schemas, len(requestSchemas))
	for name, src := range requestSchemas {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		url := fmt.Sprintf("https://paycore.dev/schemas/%s.json", name)
		if err := c.AddResource(url, strings.NewReader(src)); err != nil {
			return nil, fmt.Errorf("load %s schema: %w", name, err)
		}
		s, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", name, err)
		}
		out[name] = s
	}
	return out, nil
}

// decode reads a bounded body, validates it against the named schema and
// unmarshals it into dst. An empty body is treated as {}.
func (s schemas) decode(w http.ResponseWriter, r *http.Request, name string, dst any) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return errorir.Newf(errorir.CodeInvalidRequest, "body_too_large", "request body exceeds %d bytes", maxBodyBytes)
		}
		return errorir.Wrap(err, errorir.CodeInvalidRequest, "unreadable_body", "")
	}
	if len(bytes.TrimSpace(body)) == 0 {
		body = []byte("{}")
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return errorir.Newf(errorir.CodeInvalidRequest, "malformed_json", "invalid JSON: %v", err)
	}
	if err := s[name].Validate(doc); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return errorir.New(errorir.CodeInvalidRequest, "schema_violation", schemaMessage(ve))
		}
		return errorir.Wrap(err, errorir.CodeInvalidRequest, "schema_violation", "")
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return errorir.Newf(errorir.CodeInvalidRequest, "malformed_json", "invalid field: %v", err)
	}
	return nil
}

// schemaMessage reports the deepest failing location.
func schemaMessage(ve *jsonschema.ValidationError) string {
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	loc := ve.InstanceLocation
	if loc == "" {
		loc = "/"
	}
	return loc + ": " + ve.Message
}
