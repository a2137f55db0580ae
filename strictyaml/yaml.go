// Package strictyaml is the YAML unmarshaller every YAML consumer in this
// module goes through: hostname policy and key blocklists, rate limit
// policy, and the brokered-domain allowlist. Unknown keys in a document are
// an error, so a typoed policy field fails at load time instead of being
// silently ignored.
package strictyaml

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// Unmarshal decodes b into out, rejecting any key in the document that does
// not correspond to a field of out. An empty document is also an error,
// since none of our YAML inputs are optional once configured.
//
// TODO(https://github.com/go-yaml/yaml/issues/639): Replace this function with
// yaml.Unmarshal once a more ergonomic way to set unmarshal options is added upstream.
func Unmarshal(b []byte, out interface{}) error {
	decoder := yaml.NewDecoder(bytes.NewReader(b))
	decoder.KnownFields(true)

	err := decoder.Decode(out)
	if errors.Is(err, io.EOF) {
		return fmt.Errorf("unmarshalling YAML: empty document")
	}
	return err
}
