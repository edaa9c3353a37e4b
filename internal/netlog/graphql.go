package netlog

import (
	"regexp"
	"strconv"
	"strings"

	json "github.com/json-iterator/go"
)

var graphqlOperationRe = regexp.MustCompile(`(?:query|mutation|subscription)\s+(\w+)`)

// Numbers stay in their literal form so large ids are not rendered as floats.
var graphqlJSON = json.Config{UseNumber: true}.Froze()

// graphQLFields pulls the persisted-query ID and operation name out of a JSON
// request body. Bodies that are not a JSON object yield empty strings.
func graphQLFields(postData string) (queryID, operation string) {
	body := strings.TrimSpace(postData)
	if body == "" || body[0] != '{' {
		return "", ""
	}

	var payload map[string]interface{}
	if err := graphqlJSON.UnmarshalFromString(body, &payload); err != nil {
		return "", ""
	}

	for _, key := range []string{"id", "queryId", "query_id"} {
		if id := graphQLID(payload[key]); id != "" {
			queryID = id
			break
		}
	}

	// A persisted query ID doubles as the operation name.
	operation = queryID
	if operation == "" {
		if q, ok := payload["query"].(string); ok {
			if m := graphqlOperationRe.FindStringSubmatch(q); m != nil {
				operation = m[1]
			}
		}
	}
	return queryID, operation
}

// graphQLID renders a string or numeric id. Empty strings, zero and any other
// JSON type count as absent.
func graphQLID(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	n, ok := json.CastJsonNumber(v)
	if !ok {
		return ""
	}
	if f, err := strconv.ParseFloat(n, 64); err != nil || f == 0 {
		return ""
	}
	return n
}
