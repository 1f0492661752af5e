package gateway

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/quotient-labs/agentpay"
)

// challengeSchema is the JSON Schema every 402 body must satisfy before the
// client trusts it. A gateway that emits a malformed challenge gets a hard
// parse failure rather than a half-interpreted payment flow.
const challengeSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["x402Version", "accepts"],
	"properties": {
		"x402Version": {"type": "integer", "minimum": 1},
		"error": {"type": "string"},
		"accepts": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["scheme", "network", "maxAmountRequired", "asset", "payTo"],
				"properties": {
					"scheme": {"type": "string", "minLength": 1},
					"network": {"type": "string", "minLength": 1},
					"maxAmountRequired": {"type": "string", "pattern": "^[0-9]+$"},
					"asset": {"type": "string", "minLength": 1},
					"payTo": {"type": "string", "minLength": 1},
					"description": {"type": "string"},
					"maxTimeoutSeconds": {"type": "integer", "minimum": 0},
					"paymentRequestId": {"type": "string"},
					"extra": {
						"type": "object",
						"properties": {
							"name": {"type": "string"},
							"version": {"type": "string"},
							"chainId": {"type": "integer"},
							"verifyingContract": {"type": "string"}
						}
					}
				}
			}
		},
		"minimumRequired": {"type": "string"},
		"depositEndpoint": {"type": "string"},
		"extensions": {"type": "object"}
	}
}`

var compiledChallengeSchema *gojsonschema.Schema

func init() {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(challengeSchema))
	if err != nil {
		panic(fmt.Sprintf("gateway: invalid embedded challenge schema: %v", err))
	}
	compiledChallengeSchema = schema
}

// ParseChallenge validates and decodes a 402 challenge body.
func ParseChallenge(body []byte) (*agentpay.PaymentRequirementsResponse, error) {
	result, err := compiledChallengeSchema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return nil, fmt.Errorf("challenge is not valid JSON: %w", err)
	}
	if !result.Valid() {
		messages := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			messages = append(messages, desc.String())
		}
		return nil, fmt.Errorf("challenge failed schema validation: %s", strings.Join(messages, "; "))
	}

	var challenge agentpay.PaymentRequirementsResponse
	if err := json.Unmarshal(body, &challenge); err != nil {
		return nil, fmt.Errorf("failed to decode challenge: %w", err)
	}
	return &challenge, nil
}
