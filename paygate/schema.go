package paygate

import (
	"errors"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// proofSchema describes the JSON inside the X-PAYMENT header. Nonce length
// and timestamp freshness are left to the replay firewall.
const proofSchema = `{
  "type": "object",
  "required": ["groupId", "transactions", "senderAddr", "signature", "timestamp", "nonce"],
  "properties": {
    "groupId": {"type": "string", "minLength": 1},
    "transactions": {
      "type": "array",
      "minItems": 1,
      "maxItems": 16,
      "items": {"type": "string", "minLength": 1}
    },
    "senderAddr": {"type": "string", "minLength": 1},
    "signature": {"type": "string", "minLength": 1},
    "timestamp": {"type": "integer"},
    "nonce": {"type": "string"}
  }
}`

var proofSchemaLoader = gojsonschema.NewStringLoader(proofSchema)

// validateProofJSON checks the decoded header against proofSchema and
// returns a single error listing every violation.
func validateProofJSON(doc []byte) error {
	result, err := gojsonschema.Validate(proofSchemaLoader, gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return fmt.Errorf("not valid JSON: %v", err)
	}
	if result.Valid() {
		return nil
	}

	var errs []string
	for _, desc := range result.Errors() {
		errs = append(errs, fmt.Sprintf("%s: %s", desc.Field(), desc.Description()))
	}
	return errors.New(strings.Join(errs, "; "))
}
