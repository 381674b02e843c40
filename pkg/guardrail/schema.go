package guardrail

// decisionSchema bounds every field an oracle may return. Currency is only
// length-capped here; the allow-list check needs upper-casing first and runs
// on the typed value.
const decisionSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "release_payment": { "type": "boolean" },
    "reasoning":       { "type": "string", "maxLength": 2048 },
    "approved_amount": { "type": "number", "minimum": 0, "maximum": 10000000 },
    "currency":        { "type": "string", "maxLength": 8 },
    "issues_detected": {
      "type": "array",
      "maxItems": 20,
      "items": { "type": "string", "maxLength": 256 }
    }
  },
  "required": ["release_payment", "reasoning", "approved_amount", "currency", "issues_detected"],
  "additionalProperties": false
}`

const schemaURL = "https://agentscm.schemas.local/guardrail/decision.schema.json"
