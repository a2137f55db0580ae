package wfe

import (
	"context"
	"crypto/ecdsa"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"github.com/go-jose/go-jose/v4"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/acmetk/acme-broker/core"
	berrors "github.com/acmetk/acme-broker/errors"
	"github.com/acmetk/acme-broker/probs"
	"github.com/acmetk/acme-broker/web"
)

const (
	// POST requests with a JWS body must have the following Content-Type
	// header
	expectedJWSContentType = "application/jose+json"

	maxRequestSize = 50000
)

// getSupportedAlgs returns the JWS signature algorithms the broker accepts.
// This is used to construct the values of various error messages, and is
// passed to go-jose to control which JWS signatures it will accept.
func getSupportedAlgs() []jose.SignatureAlgorithm {
	return []jose.SignatureAlgorithm{
		jose.RS256,
		jose.ES256,
		jose.ES384,
		jose.ES512,
	}
}

// sigAlgorithmForKey returns the expected JSONWebSignature algorithm for a
// given public key based on its Golang type.
func sigAlgorithmForKey(key *jose.JSONWebKey) (jose.SignatureAlgorithm, error) {
	switch k := key.Key.(type) {
	case *rsa.PublicKey:
		return jose.RS256, nil
	case *ecdsa.PublicKey:
		switch k.Curve.Params().Name {
		case "P-256":
			return jose.ES256, nil
		case "P-384":
			return jose.ES384, nil
		case "P-521":
			return jose.ES512, nil
		}
	}
	return "", fmt.Errorf("no signature algorithms suitable for given key type")
}

// checkAlgorithm checks that (1) there is a suitable algorithm for the
// provided key based on its Golang type, (2) the Algorithm field on the JWK
// is either absent, or matches that algorithm, and (3) the Algorithm field on
// the JWS header matches that algorithm. Precondition: parsedJWS must have
// exactly one signature on it.
func checkAlgorithm(key *jose.JSONWebKey, header jose.Header) error {
	algorithm, err := sigAlgorithmForKey(key)
	if err != nil {
		return err
	}
	if header.Algorithm != string(algorithm) {
		return fmt.Errorf("JWS signature header contains unsupported algorithm %q, expected %q for %T key",
			header.Algorithm, algorithm, key.Key)
	}
	if key.Algorithm != "" && key.Algorithm != string(algorithm) {
		return fmt.Errorf("JWK key header algorithm %q does not match expected algorithm %q for JWK",
			key.Algorithm, algorithm)
	}
	return nil
}

// jwsAuthType represents whether a given POST request is authenticated using
// a JWS with an embedded JWK (new-account, revoke-cert) or an embedded key ID
// or an unsupported/unknown auth type.
type jwsAuthType int

const (
	embeddedJWK jwsAuthType = iota
	embeddedKeyID
	invalidAuthType
)

// checkJWSAuthType examines a JWS' protected headers to determine if the
// request being authenticated by the JWS is identified using an embedded JWK
// or an embedded key ID. If no signatures are present, or mutually exclusive
// authentication types are specified at the same time, a problem is returned.
// checkJWSAuthType is separate from enforceJWSAuthType so that endpoints
// that need to handle both embedded JWK and embedded key ID requests can
// determine which type of request they have and act accordingly (e.g. cert
// revocation).
func checkJWSAuthType(header jose.Header) (jwsAuthType, *probs.ProblemDetails) {
	// There must not be a Key ID *and* an embedded JWK
	if header.KeyID != "" && header.JSONWebKey != nil {
		return invalidAuthType, probs.Malformed("jwk and kid header fields are mutually exclusive")
	} else if header.KeyID != "" {
		return embeddedKeyID, nil
	} else if header.JSONWebKey != nil {
		return embeddedJWK, nil
	}
	return invalidAuthType, nil
}

// enforceJWSAuthType enforces that the protected headers of a JWS have the
// provided auth type. If there is an error determining the auth type or if it
// is not the expected auth type then a problem is returned.
func (wfe *WebFrontEndImpl) enforceJWSAuthType(
	header jose.Header,
	expectedAuthType jwsAuthType) *probs.ProblemDetails {
	authType, prob := checkJWSAuthType(header)
	if prob != nil {
		wfe.stats.joseErrorCount.With(prometheus.Labels{"type": "JWSAuthTypeInvalid"}).Inc()
		return prob
	}
	if authType != expectedAuthType {
		wfe.stats.joseErrorCount.With(prometheus.Labels{"type": "JWSAuthTypeWrong"}).Inc()
		switch expectedAuthType {
		case embeddedKeyID:
			return probs.Malformed("No Key ID in JWS header")
		case embeddedJWK:
			return probs.Malformed("No embedded JWK in JWS header")
		}
	}
	return nil
}

// validPOSTRequest checks a *http.Request to ensure it has the headers a
// well-formed ACME POST request has, and to ensure there is a body to
// process.
func (wfe *WebFrontEndImpl) validPOSTRequest(request *http.Request) *probs.ProblemDetails {
	// All POSTs should have an accompanying Content-Length header
	if _, present := request.Header["Content-Length"]; !present {
		wfe.stats.httpErrorCount.With(prometheus.Labels{"type": "ContentLengthRequired"}).Inc()
		return probs.ContentLengthRequired()
	}

	// Per 6.2 "Request Authentication" all POSTs should have the correct
	// Content-Type header
	if contentType, present := request.Header["Content-Type"]; !present ||
		!slices.Contains(contentType, expectedJWSContentType) {
		wfe.stats.httpErrorCount.With(prometheus.Labels{"type": "NoContentType"}).Inc()
		return probs.InvalidContentType(fmt.Sprintf("No Content-Type header on POST. Content-Type must be %q",
			expectedJWSContentType))
	}

	// Per 6.5.1 "Replay-Nonce" clients should not send a Replay-Nonce header
	// in the HTTP request, it needs to be part of the signed JWS request body
	if _, present := request.Header["Replay-Nonce"]; present {
		wfe.stats.httpErrorCount.With(prometheus.Labels{"type": "ReplayNonceOutsideJWS"}).Inc()
		return probs.Malformed("HTTP requests should NOT contain Replay-Nonce header. Use JWS nonce field")
	}

	// All POSTs should have a non-nil body
	if request.Body == nil {
		wfe.stats.httpErrorCount.With(prometheus.Labels{"type": "NoPOSTBody"}).Inc()
		return probs.Malformed("No body on POST")
	}

	return nil
}

// validNonce checks a JWS' Nonce header to ensure it is one that the
// nonceService knows about, otherwise a bad nonce problem is returned.
// NOTE: this function assumes the JWS has already been verified with the
// correct public key.
func (wfe *WebFrontEndImpl) validNonce(ctx context.Context, header jose.Header, logEvent *web.RequestEvent) *probs.ProblemDetails {
	nonce := header.Nonce
	if len(nonce) == 0 {
		wfe.stats.joseErrorCount.With(prometheus.Labels{"type": "JWSMissingNonce"}).Inc()
		logEvent.AddError("JWS is missing an anti-replay nonce")
		return probs.BadNonce("JWS has no anti-replay nonce")
	}
	if !wfe.nonceService.Redeem(ctx, nonce) {
		wfe.stats.joseErrorCount.With(prometheus.Labels{"type": "JWSInvalidNonce"}).Inc()
		logEvent.AddError("JWS has an invalid anti-replay nonce: %q", nonce)
		return probs.BadNonce(fmt.Sprintf("JWS has an invalid anti-replay nonce: %q", nonce))
	}
	return nil
}

// validPOSTURL checks the JWS' URL header against the expected URL based on
// the HTTP request. This prevents a JWS intended for one endpoint being
// replayed against a different endpoint.
func (wfe *WebFrontEndImpl) validPOSTURL(
	request *http.Request,
	header jose.Header) *probs.ProblemDetails {
	extraHeaders := header.ExtraHeaders
	if len(extraHeaders) == 0 {
		wfe.stats.joseErrorCount.With(prometheus.Labels{"type": "JWSMissingURL"}).Inc()
		return probs.Malformed("JWS header parameter 'url' required")
	}
	headerURL, ok := extraHeaders[jose.HeaderKey("url")].(string)
	if !ok || len(headerURL) == 0 {
		wfe.stats.joseErrorCount.With(prometheus.Labels{"type": "JWSMissingURL"}).Inc()
		return probs.Malformed("JWS header parameter 'url' required")
	}
	expectedURL := url.URL{
		Scheme: requestProto(request),
		Host:   request.Host,
		Path:   request.RequestURI,
	}
	if expectedURL.String() != headerURL {
		wfe.stats.joseErrorCount.With(prometheus.Labels{"type": "JWSMismatchedURL"}).Inc()
		return probs.Malformed(fmt.Sprintf(
			"JWS header parameter 'url' incorrect. Expected %q got %q",
			expectedURL.String(), headerURL))
	}
	return nil
}

// parseJWS extracts a JSONWebSignature from a byte slice. If there is an
// error reading the JWS or if it has too few or too many signatures, a
// problem is returned.
func (wfe *WebFrontEndImpl) parseJWS(body []byte) (*jose.JSONWebSignature, *probs.ProblemDetails) {
	// Parse the raw JWS JSON to check that the unprotected Header field is
	// not being used for a key ID or a JWK. This must be done prior to
	// jose.ParseSigned since it will strip away those headers.
	var unprotected struct {
		Header map[string]string
	}
	err := json.Unmarshal(body, &unprotected)
	if err != nil {
		wfe.stats.joseErrorCount.With(prometheus.Labels{"type": "JWSUnmarshalFailed"}).Inc()
		return nil, probs.Malformed("Parse error reading JWS")
	}

	// RFC 8555 never uses values from the unprotected JWS header. Reject JWS
	// that include them.
	if unprotected.Header != nil {
		wfe.stats.joseErrorCount.With(prometheus.Labels{"type": "JWSUnprotectedHeaders"}).Inc()
		return nil, probs.Malformed(
			"JWS \"header\" field not allowed. All headers must be in \"protected\" field")
	}

	// Parse the JWS using go-jose and enforce that the expected one non-empty
	// signature is present in the parsed JWS.
	bodyStr := string(body)
	parsedJWS, err := jose.ParseSigned(bodyStr, getSupportedAlgs())
	if err != nil {
		// go-jose rejects signature algorithms outside getSupportedAlgs at
		// parse time, before we can compare the algorithm against the key in
		// checkAlgorithm.
		if strings.Contains(err.Error(), "unexpected signature algorithm") {
			wfe.stats.joseErrorCount.With(prometheus.Labels{"type": "JWSAlgorithmCheckFailed"}).Inc()
			return nil, probs.BadSignatureAlgorithm(fmt.Sprintf(
				"JWS signature header contains unsupported algorithm, expected one of %v",
				getSupportedAlgs()))
		}
		wfe.stats.joseErrorCount.With(prometheus.Labels{"type": "JWSParseError"}).Inc()
		return nil, probs.Malformed("Parse error reading JWS")
	}
	if len(parsedJWS.Signatures) > 1 {
		wfe.stats.joseErrorCount.With(prometheus.Labels{"type": "JWSTooManySignatures"}).Inc()
		return nil, probs.Malformed("Too many signatures in POST body")
	}
	if len(parsedJWS.Signatures) == 0 {
		wfe.stats.joseErrorCount.With(prometheus.Labels{"type": "JWSNoSignatures"}).Inc()
		return nil, probs.Malformed("POST JWS not signed")
	}
	if len(parsedJWS.Signatures) == 1 && len(parsedJWS.Signatures[0].Signature) == 0 {
		wfe.stats.joseErrorCount.With(prometheus.Labels{"type": "JWSEmptySignature"}).Inc()
		return nil, probs.Malformed("POST JWS not signed")
	}

	return parsedJWS, nil
}

// parseJWSRequest extracts a JSONWebSignature from an HTTP POST request's
// body after validating the request's shape.
func (wfe *WebFrontEndImpl) parseJWSRequest(request *http.Request) (*jose.JSONWebSignature, *probs.ProblemDetails) {
	if prob := wfe.validPOSTRequest(request); prob != nil {
		return nil, prob
	}

	bodyBytes, err := io.ReadAll(http.MaxBytesReader(nil, request.Body, maxRequestSize))
	if err != nil {
		if err.Error() == "http: request body too large" {
			return nil, probs.Unauthorized("request body too large")
		}
		wfe.stats.httpErrorCount.With(prometheus.Labels{"type": "UnableToReadReqBody"}).Inc()
		return nil, probs.ServerInternal("unable to read request body")
	}

	return wfe.parseJWS(bodyBytes)
}

// extractJWK extracts a JWK from the protected headers of a JWS or returns a
// problem. It expects that the JWS is using the embedded JWK style of
// authentication and does not contain an embedded Key ID.
func (wfe *WebFrontEndImpl) extractJWK(header jose.Header) (*jose.JSONWebKey, *probs.ProblemDetails) {
	if prob := wfe.enforceJWSAuthType(header, embeddedJWK); prob != nil {
		return nil, prob
	}

	// We can be sure that JSONWebKey is != nil because we have already called
	// enforceJWSAuthType
	key := header.JSONWebKey

	// If the key isn't considered valid by go-jose return a problem
	// immediately
	if !key.Valid() {
		wfe.stats.joseErrorCount.With(prometheus.Labels{"type": "JWKInvalid"}).Inc()
		return nil, probs.Malformed("Invalid JWK in JWS header")
	}

	return key, nil
}

// acctIDFromURL extracts the numeric int64 account ID from an account URL. If
// the URL has an invalid prefix, or the trailing portion is not a valid
// int64, a problem is returned.
func (wfe *WebFrontEndImpl) acctIDFromURL(acctURL string, request *http.Request) (int64, *probs.ProblemDetails) {
	expectedURLPrefix := web.RelativeEndpoint(request, acctPath)
	if !strings.HasPrefix(acctURL, expectedURLPrefix) {
		return 0, probs.Malformed(
			fmt.Sprintf("KeyID header contained an invalid account URL: %q", acctURL))
	}
	accountIDStr := strings.TrimPrefix(acctURL, expectedURLPrefix)
	accountID, err := strconv.ParseInt(accountIDStr, 10, 64)
	if err != nil {
		return 0, probs.Malformed("Malformed account ID in KeyID header URL: %q", acctURL)
	}
	return accountID, nil
}

// lookupJWK finds a JWK associated with the Key ID present in the provided
// JWS headers, returning the JWK and a pointer to the associated account, or
// a problem. It expects that the JWS header is using the embedded Key ID
// style of authentication and does not contain an embedded JWK.
func (wfe *WebFrontEndImpl) lookupJWK(
	header jose.Header,
	ctx context.Context,
	request *http.Request,
	logEvent *web.RequestEvent) (*jose.JSONWebKey, *core.Registration, *probs.ProblemDetails) {
	if prob := wfe.enforceJWSAuthType(header, embeddedKeyID); prob != nil {
		return nil, nil, prob
	}

	accountURL := header.KeyID
	accountID, prob := wfe.acctIDFromURL(accountURL, request)
	if prob != nil {
		wfe.stats.joseErrorCount.With(prometheus.Labels{"type": "JWSInvalidKeyID"}).Inc()
		return nil, nil, prob
	}

	account, err := wfe.sa.GetRegistration(ctx, accountID)
	if err != nil {
		if berrors.Is(err, berrors.NotFound) {
			wfe.stats.joseErrorCount.With(prometheus.Labels{"type": "KeyIDNotFound"}).Inc()
			return nil, nil, probs.AccountDoesNotExist(fmt.Sprintf(
				"Account %q not found", accountURL))
		}
		wfe.stats.joseErrorCount.With(prometheus.Labels{"type": "KeyIDLookupFailed"}).Inc()
		logEvent.AddError("calling sa.GetRegistration: %s", err)
		return nil, nil, web.ProblemDetailsForError(err, fmt.Sprintf("Error retrieving account %q", accountURL))
	}

	// Verify the account is not deactivated
	if account.Status != core.StatusValid {
		wfe.stats.joseErrorCount.With(prometheus.Labels{"type": "KeyIDAccountInvalid"}).Inc()
		return nil, nil, probs.Unauthorized(
			fmt.Sprintf("Account is not valid, has status %q", account.Status))
	}

	logEvent.Requester = account.ID
	return account.Key, &account, nil
}

// validJWSForKey checks a provided JWS for a given HTTP request validates
// correctly using the provided JWK. If the JWS verifies the protected payload
// is returned. The key/JWS algorithms are verified before any signature
// validation is done. If the JWS signature validates correctly then the JWS
// nonce value and the JWS URL are verified to ensure that they are correct.
func (wfe *WebFrontEndImpl) validJWSForKey(
	ctx context.Context,
	jws *jose.JSONWebSignature,
	jwk *jose.JSONWebKey,
	request *http.Request,
	logEvent *web.RequestEvent) ([]byte, *probs.ProblemDetails) {
	// validJWSForKey is called after parseJWS() which defends against the
	// incorrect number of signatures.
	header := jws.Signatures[0].Header

	// Check that the public key and JWS algorithms match expected
	err := checkAlgorithm(jwk, header)
	if err != nil {
		wfe.stats.joseErrorCount.With(prometheus.Labels{"type": "JWSAlgorithmCheckFailed"}).Inc()
		return nil, probs.BadSignatureAlgorithm(err.Error())
	}

	// Verify the JWS signature with the public key.
	// NOTE: It might seem insecure for the WFE to be trusted to verify client
	// requests, i.e., that the verification should be done at the RA. However
	// the WFE is the RA's only view of the outside world *anyway*, so it
	// could always lie about what key was used by faking the signature
	// itself.
	payload, err := jws.Verify(jwk)
	if err != nil {
		wfe.stats.joseErrorCount.With(prometheus.Labels{"type": "JWSVerifyFailed"}).Inc()
		logEvent.AddError("verification of JWS with the JWK failed: %v", err)
		return nil, probs.Malformed("JWS verification error")
	}
	logEvent.Payload = string(payload)

	// Check that the JWS contains a correct Nonce header
	if prob := wfe.validNonce(ctx, header, logEvent); prob != nil {
		return nil, prob
	}

	// Check that the HTTP request URL matches the URL in the signed JWS
	if prob := wfe.validPOSTURL(request, header); prob != nil {
		return nil, prob
	}

	// In the WFE1 package the check for the request URL required unmarshalling
	// the payload JSON to check the "resource" field of the protected JWS
	// body. This caught invalid JSON early and so we preserve this check by
	// explicitly trying to unmarshal the payload (when it is non-empty to
	// allow POST-as-GET behaviour) as part of the verification and failing
	// early if it isn't JSON.
	var parsedBody struct{}
	err = json.Unmarshal(payload, &parsedBody)
	if string(payload) != "" && err != nil {
		wfe.stats.joseErrorCount.With(prometheus.Labels{"type": "JWSBodyUnmarshalFailed"}).Inc()
		return nil, probs.Malformed("Request payload did not parse as JSON")
	}

	return payload, nil
}

// validJWSForAccount checks that a given JWS is valid and verifies with the
// public key associated to a known account specified by the JWS Key ID. If
// the JWS is valid (e.g. the JWS is well formed, verifies with the JWK stored
// for the specified key ID, specifies the correct URL, and has a valid nonce)
// then validJWSForAccount returns the validated JWS body, the parsed
// JSONWebSignature, and a pointer to the JWK's associated account. If any of
// these conditions are not met or an error occurs only a problem is returned.
func (wfe *WebFrontEndImpl) validJWSForAccount(
	jws *jose.JSONWebSignature,
	request *http.Request,
	ctx context.Context,
	logEvent *web.RequestEvent) ([]byte, *jose.JSONWebSignature, *core.Registration, *probs.ProblemDetails) {
	// Lookup the account and JWK for the key ID that authenticated the JWS
	pubKey, account, prob := wfe.lookupJWK(jws.Signatures[0].Header, ctx, request, logEvent)
	if prob != nil {
		return nil, nil, nil, prob
	}

	// Verify the JWS with the JWK from the SA
	payload, prob := wfe.validJWSForKey(ctx, jws, pubKey, request, logEvent)
	if prob != nil {
		return nil, nil, nil, prob
	}

	return payload, jws, account, nil
}

// validPOSTForAccount checks that a given POST request has a valid JWS using
// validJWSForAccount.
func (wfe *WebFrontEndImpl) validPOSTForAccount(
	request *http.Request,
	ctx context.Context,
	logEvent *web.RequestEvent) ([]byte, *jose.JSONWebSignature, *core.Registration, *probs.ProblemDetails) {
	// Parse the JWS from the POST request
	jws, prob := wfe.parseJWSRequest(request)
	if prob != nil {
		return nil, nil, nil, prob
	}
	return wfe.validJWSForAccount(jws, request, ctx, logEvent)
}

// validPOSTAsGETForAccount checks that a given POST request is valid using
// validPOSTForAccount. It additionally validates that the JWS request payload
// is empty, indicating that it is a POST-as-GET request per RFC 8555 section
// 6.3 "GET and POST-as-GET requests". If a non empty payload is provided in
// the JWS the invalidPOSTAsGETErr problem is returned.
func (wfe *WebFrontEndImpl) validPOSTAsGETForAccount(
	request *http.Request,
	ctx context.Context,
	logEvent *web.RequestEvent) (*core.Registration, *probs.ProblemDetails) {
	// Call validPOSTForAccount to verify the JWS and extract the body.
	body, _, reg, prob := wfe.validPOSTForAccount(request, ctx, logEvent)
	if prob != nil {
		return nil, prob
	}
	// Verify the POST-as-GET payload is empty
	if string(body) != "" {
		return nil, probs.Malformed("POST-as-GET requests must have an empty payload")
	}
	// To make log analysis easier we choose to elevate the pseudo ACME HTTP
	// method "POST-as-GET" to the logEvent's Method, replacing the
	// http.MethodPost value.
	logEvent.Method = "POST-as-GET"
	return reg, prob
}

// validSelfAuthenticatedJWS checks that a given JWS verifies with the JWK
// embedded in the JWS itself (e.g. self-authenticated). This type of JWS
// is only used for creating new accounts or revoking a certificate by signing
// the request with the private key corresponding to the certificate's public
// key and embedding that public key in the JWS. All other requests should be
// validated using validJWSForAccount.
// If the JWS validates (e.g. the JWS is well formed, verifies with the JWK
// embedded in it, has the correct URL, and includes a valid nonce) then
// validSelfAuthenticatedJWS returns the validated JWS body and the JWK that
// was embedded in the JWS. Otherwise if the valid JWS conditions are not met
// or an error occurs only a problem is returned.
//
// Note that this function does *not* enforce that the JWK abides by our
// goodkey policies. This is because this method is used by the RevokeCertificate
// path, which must allow JWKs which are signing keys of to-be-revoked
// certificates, not just account keys.
func (wfe *WebFrontEndImpl) validSelfAuthenticatedJWS(
	ctx context.Context,
	jws *jose.JSONWebSignature,
	request *http.Request,
	logEvent *web.RequestEvent) ([]byte, *jose.JSONWebKey, *probs.ProblemDetails) {
	// Extract the embedded JWK from the parsed JWS
	pubKey, prob := wfe.extractJWK(jws.Signatures[0].Header)
	if prob != nil {
		return nil, nil, prob
	}

	// Verify the JWS with the embedded JWK
	payload, prob := wfe.validJWSForKey(ctx, jws, pubKey, request, logEvent)
	if prob != nil {
		return nil, nil, prob
	}

	return payload, pubKey, nil
}

// validSelfAuthenticatedPOST checks that a given POST request has a valid JWS
// using validSelfAuthenticatedJWS. It enforces that the JWK embedded in the
// JWS abides by our goodkey policies, because it is used by the NewAccount
// path.
func (wfe *WebFrontEndImpl) validSelfAuthenticatedPOST(
	ctx context.Context,
	request *http.Request,
	logEvent *web.RequestEvent) ([]byte, *jose.JSONWebKey, *probs.ProblemDetails) {
	// Parse the JWS from the POST request
	jws, prob := wfe.parseJWSRequest(request)
	if prob != nil {
		return nil, nil, prob
	}

	// Extract and validate the embedded JWK from the parsed JWS
	body, pubKey, prob := wfe.validSelfAuthenticatedJWS(ctx, jws, request, logEvent)
	if prob != nil {
		return nil, nil, prob
	}

	// If the key doesn't meet the GoodKey policy return a problem
	if err := wfe.keyPolicy.GoodKey(pubKey.Key); err != nil {
		wfe.stats.joseErrorCount.With(prometheus.Labels{"type": "JWKRejectedByGoodKey"}).Inc()
		return nil, nil, probs.BadPublicKey(err.Error())
	}

	return body, pubKey, nil
}

// rolloverRequest is the unmarshalled JSON from the inner JWS payload of a
// key rollover request, per RFC 8555 section 7.3.5.
type rolloverRequest struct {
	OldKey  jose.JSONWebKey `json:"oldKey"`
	Account string          `json:"account"`
}

// rolloverOperation is a struct representing a requested rollover operation
// from the specified old key to the new key for the given account.
type rolloverOperation struct {
	rolloverRequest
	NewKey jose.JSONWebKey
}

// validKeyRollover checks if the innerJWS is a valid key rollover operation
// given the outer JWS that carried it. It is assumed that the outerJWS has
// already been validated per the normal ACME process using
// validPOSTForAccount. It is *critical* this is the case since
// validKeyRollover does not check the outer JWS's nonce. This function
// checks that:
//  1. the inner JWS is valid and well formed
//  2. the inner JWS has the same "url" header as the outer JWS
//  3. the inner JWS is self-authenticated with an embedded JWK
//  4. the payload's oldKey matches the account key that signed the outer JWS
func (wfe *WebFrontEndImpl) validKeyRollover(
	ctx context.Context,
	outerJWS *jose.JSONWebSignature,
	innerJWS *jose.JSONWebSignature,
	oldKey *jose.JSONWebKey,
	logEvent *web.RequestEvent) (*rolloverOperation, *probs.ProblemDetails) {

	innerHeader := innerJWS.Signatures[0].Header

	// Extract the embedded JWK from the inner JWS
	jwk, prob := wfe.extractJWK(innerHeader)
	if prob != nil {
		return nil, prob
	}

	// If the key doesn't meet the GoodKey policy return a problem immediately
	err := wfe.keyPolicy.GoodKey(jwk.Key)
	if err != nil {
		wfe.stats.joseErrorCount.With(prometheus.Labels{"type": "KeyRolloverJWKRejectedByGoodKey"}).Inc()
		return nil, probs.BadPublicKey(err.Error())
	}

	// Check that the public key and JWS algorithms match expected
	err = checkAlgorithm(jwk, innerHeader)
	if err != nil {
		return nil, probs.Malformed(err.Error())
	}

	// Verify the inner JWS signature with the public key from the embedded JWK.
	// NOTE: we do not use validJWSForKey because the inner JWS of a key
	// rollover request is special: it has no nonce of its own.
	innerPayload, err := innerJWS.Verify(jwk)
	if err != nil {
		wfe.stats.joseErrorCount.With(prometheus.Labels{"type": "KeyRolloverJWSVerifyFailed"}).Inc()
		return nil, probs.Malformed("Inner JWS does not verify with embedded JWK")
	}

	// Check that the outer and inner JWS protected URL headers match
	outerURL, ok := outerJWS.Signatures[0].Header.ExtraHeaders[jose.HeaderKey("url")].(string)
	if !ok {
		return nil, probs.Malformed("Outer JWS header parameter 'url' required")
	}
	innerURL, ok := innerHeader.ExtraHeaders[jose.HeaderKey("url")].(string)
	if !ok || innerURL != outerURL {
		wfe.stats.joseErrorCount.With(prometheus.Labels{"type": "KeyRolloverMismatchedURLs"}).Inc()
		return nil, probs.Malformed("Outer JWS 'url' value %q does not match inner JWS 'url' value %q",
			outerURL, innerURL)
	}

	var req rolloverRequest
	if json.Unmarshal(innerPayload, &req) != nil {
		wfe.stats.joseErrorCount.With(prometheus.Labels{"type": "KeyRolloverUnmarshalFailed"}).Inc()
		return nil, probs.Malformed(
			"Inner JWS payload did not parse as JSON key rollover object")
	}

	// The inner JWS payload must carry the old key in its oldKey field, and
	// that key must match the account key that authenticated the outer JWS.
	if !core.KeyDigestEquals(req.OldKey.Key, oldKey.Key) {
		wfe.stats.joseErrorCount.With(prometheus.Labels{"type": "KeyRolloverWrongOldKey"}).Inc()
		return nil, probs.Malformed("Inner JWS does not contain old key field matching current account key")
	}

	return &rolloverOperation{
		rolloverRequest: req,
		NewKey:          *jwk,
	}, nil
}
