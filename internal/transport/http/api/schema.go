package apihttp

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const webhookSchemaJSON = `{
  "type": "object",
  "required": ["symbol", "exchange", "side", "quantity"],
  "additionalProperties": false,
  "properties": {
    "symbol": {"type": "string", "minLength": 1},
    "exchange": {"type": "string", "minLength": 1},
    "side": {"enum": ["BUY", "SELL"]},
    "quantity": {"type": "integer", "minimum": 1},
    "order_type": {"enum": ["MARKET", "LIMIT", "STOP", "STOP_MARKET"]},
    "product": {"enum": ["INTRADAY", "DELIVERY", "NORMAL"]},
    "price": {"type": "number", "minimum": 0},
    "trigger_price": {"type": "number", "minimum": 0},
    "validity": {"enum": ["DAY", "IOC"]},
    "disclosed_quantity": {"type": "integer", "minimum": 0},
    "extensions": {
      "type": "object",
      "additionalProperties": {"type": "string"}
    }
  }
}`

var webhookSchema = mustCompileSchema(webhookSchemaJSON)

func mustCompileSchema(raw string) *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("webhook.json", strings.NewReader(raw)); err != nil {
		panic(fmt.Sprintf("webhook schema resource: %v", err))
	}
	schema, err := compiler.Compile("webhook.json")
	if err != nil {
		panic(fmt.Sprintf("webhook schema compile: %v", err))
	}
	return schema
}

// validateWebhookPayload checks the raw body against the schema before any
// field is trusted.
func validateWebhookPayload(body []byte) error {
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return fmt.Errorf("payload 不是合法 JSON: %w", err)
	}
	if err := webhookSchema.Validate(doc); err != nil {
		return fmt.Errorf("payload 校验失败: %w", err)
	}
	return nil
}
