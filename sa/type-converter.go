package sa

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/letsencrypt/borp"

	"github.com/acmetk/acme-broker/core"
	"github.com/acmetk/acme-broker/identifier"
)

// BrokerTypeConverter is used by borp for storing objects in DB.
type BrokerTypeConverter struct{}

// ToDb converts a broker object to one suitable for the DB representation.
func (tc BrokerTypeConverter) ToDb(val interface{}) (interface{}, error) {
	switch t := val.(type) {
	case identifier.ACMEIdentifier, []identifier.ACMEIdentifier, []core.Challenge, []core.ValidationRecord, []string, []int64:
		jsonBytes, err := json.Marshal(t)
		if err != nil {
			return nil, err
		}
		return string(jsonBytes), nil
	case jose.JSONWebKey:
		jsonBytes, err := t.MarshalJSON()
		if err != nil {
			return "", err
		}
		return string(jsonBytes), nil
	case core.AcmeStatus:
		return string(t), nil
	case core.AcmeChallenge:
		return string(t), nil
	// Time types get truncated to the nearest second. Our schema only
	// stores seconds, and sending queries with sub-second precision can
	// push the query planner into pathological cases when it consults
	// indexes on time fields.
	case time.Time:
		return t.Truncate(time.Second), nil
	case *time.Time:
		if t == nil {
			return nil, nil
		}
		newT := t.Truncate(time.Second)
		return &newT, nil
	default:
		return val, nil
	}
}

// FromDb converts a DB representation back into a broker object.
func (tc BrokerTypeConverter) FromDb(target interface{}) (borp.CustomScanner, bool) {
	switch target.(type) {
	case *identifier.ACMEIdentifier, *[]identifier.ACMEIdentifier, *[]core.Challenge, *[]core.ValidationRecord, *[]string, *[]int64:
		binder := func(holder, target interface{}) error {
			s, ok := holder.(*string)
			if !ok {
				return errors.New("FromDb: Unable to convert *string")
			}
			b := []byte(*s)
			err := json.Unmarshal(b, target)
			if err != nil {
				return badJSONError(
					fmt.Sprintf("binder failed to unmarshal %T", target),
					b,
					err)
			}
			return nil
		}
		return borp.CustomScanner{Holder: new(string), Target: target, Binder: binder}, true
	case *jose.JSONWebKey:
		binder := func(holder, target interface{}) error {
			s, ok := holder.(*string)
			if !ok {
				return fmt.Errorf("FromDb: Unable to convert %T to *string", holder)
			}
			if *s == "" {
				return errors.New("FromDb: Empty JWK field.")
			}
			b := []byte(*s)
			k, ok := target.(*jose.JSONWebKey)
			if !ok {
				return fmt.Errorf("FromDb: Unable to convert %T to *jose.JSONWebKey", target)
			}
			err := k.UnmarshalJSON(b)
			if err != nil {
				return badJSONError(
					"binder failed to unmarshal JWK",
					b,
					err)
			}
			return nil
		}
		return borp.CustomScanner{Holder: new(string), Target: target, Binder: binder}, true
	case *core.AcmeStatus:
		binder := func(holder, target interface{}) error {
			s, ok := holder.(*string)
			if !ok {
				return fmt.Errorf("FromDb: Unable to convert %T to *string", holder)
			}
			st, ok := target.(*core.AcmeStatus)
			if !ok {
				return fmt.Errorf("FromDb: Unable to convert %T to *core.AcmeStatus", target)
			}

			*st = core.AcmeStatus(*s)
			return nil
		}
		return borp.CustomScanner{Holder: new(string), Target: target, Binder: binder}, true
	case *core.AcmeChallenge:
		binder := func(holder, target interface{}) error {
			s, ok := holder.(*string)
			if !ok {
				return fmt.Errorf("FromDb: Unable to convert %T to *string", holder)
			}
			st, ok := target.(*core.AcmeChallenge)
			if !ok {
				return fmt.Errorf("FromDb: Unable to convert %T to *core.AcmeChallenge", target)
			}

			*st = core.AcmeChallenge(*s)
			return nil
		}
		return borp.CustomScanner{Holder: new(string), Target: target, Binder: binder}, true
	default:
		return borp.CustomScanner{}, false
	}
}

// badJSONError is an error type for describing JSON that failed to
// unmarshal, keeping the raw bytes available for debugging.
type errBadJSON struct {
	msg  string
	json []byte
	err  error
}

func (e errBadJSON) Error() string {
	return fmt.Sprintf("%s: %s (%q)", e.msg, e.err, string(e.json))
}

func (e errBadJSON) Unwrap() error {
	return e.err
}

func badJSONError(msg string, jsonData []byte, err error) error {
	return errBadJSON{msg: msg, json: jsonData, err: err}
}
