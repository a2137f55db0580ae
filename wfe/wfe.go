// Package wfe implements the broker's RFC 8555 web front end: the HTTP
// handlers for every ACME resource, JWS request authentication, and the
// directory. The WFE performs no ACME business logic of its own; it
// translates authenticated HTTP requests into calls on the registration
// authority and storage authority, and renders their results as ACME
// protocol objects and problem documents.
package wfe

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/jmhodges/clock"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/acmetk/acme-broker/core"
	berrors "github.com/acmetk/acme-broker/errors"
	"github.com/acmetk/acme-broker/goodkey"
	"github.com/acmetk/acme-broker/identifier"
	blog "github.com/acmetk/acme-broker/log"
	"github.com/acmetk/acme-broker/metrics/measured_http"
	"github.com/acmetk/acme-broker/nonce"
	"github.com/acmetk/acme-broker/probs"
	"github.com/acmetk/acme-broker/web"
)

// Paths are the ACME-spec identified URL path-segments for various methods.
// NOTE: In metrics/measured_http we make the assumption that these are all
// lowercase plus hyphens. If you violate that assumption you should update
// measured_http.
const (
	directoryPath     = "/directory"
	newNoncePath      = "/acme/new-nonce"
	newAcctPath       = "/acme/new-acct"
	acctPath          = "/acme/acct/"
	newOrderPath      = "/acme/new-order"
	orderPath         = "/acme/order/"
	finalizeOrderPath = "/acme/finalize/"
	authzPath         = "/acme/authz/"
	challengePath     = "/acme/chall/"
	certPath          = "/acme/cert/"
	revokeCertPath    = "/acme/revoke-cert"
	rolloverPath      = "/acme/key-change"

	// ordersSubpath is the trailing path segment of an account's order list
	// resource, /acme/acct/<id>/orders.
	ordersSubpath = "orders"
)

// WebFrontEndImpl provides all the logic for the broker's web-facing
// interface, i.e., ACME. Its members configure the paths for various ACME
// functions, plus a few other data items used in ACME. Its methods are
// primarily handlers for HTTPS requests for the various ACME functions.
type WebFrontEndImpl struct {
	ra    core.RegistrationAuthority
	sa    core.StorageGetter
	log   blog.Logger
	clk   clock.Clock
	stats wfeStats

	// requestStats is handed to measured_http so per-endpoint latency
	// histograms register alongside the wfe's own counters.
	requestStats prometheus.Registerer

	// Register of anti-replay nonces
	nonceService *nonce.NonceService

	// Key policy.
	keyPolicy goodkey.KeyPolicy

	// URL to the current subscriber agreement (should contain some version
	// identifier)
	SubscriberAgreementURL string

	// DirectoryCAAIdentity is used for the /directory response's "meta"
	// element's "caaIdentities" field.
	DirectoryCAAIdentity string

	// DirectoryWebsite is used for the /directory response's "meta" element's
	// "website" field.
	DirectoryWebsite string

	// CertificateChain holds PEM encoded intermediate certificates, appended
	// after the leaf certificate in certificate responses. May be empty when
	// the issuer is a self-contained test CA.
	CertificateChain []byte

	// ExternalAccountKeys maps EAB key identifiers to their HMAC-SHA256 MAC
	// keys. New-account requests carrying an externalAccountBinding are
	// verified against this set.
	ExternalAccountKeys map[string][]byte

	// RequireExternalAccounts makes new-account requests without an
	// externalAccountBinding fail, per RFC 8555 section 7.3.4.
	RequireExternalAccounts bool

	// CORS settings
	AllowOrigins []string

	// Maximum duration of a request
	RequestTimeout time.Duration
}

// NewWebFrontEndImpl constructs a web service for the broker.
func NewWebFrontEndImpl(
	stats prometheus.Registerer,
	clk clock.Clock,
	keyPolicy goodkey.KeyPolicy,
	nonceService *nonce.NonceService,
	ra core.RegistrationAuthority,
	sa core.StorageGetter,
	logger blog.Logger,
) (WebFrontEndImpl, error) {
	if nonceService == nil {
		return WebFrontEndImpl{}, errors.New("must provide a nonce service")
	}
	return WebFrontEndImpl{
		log:          logger,
		clk:          clk,
		keyPolicy:    keyPolicy,
		nonceService: nonceService,
		ra:           ra,
		sa:           sa,
		stats:        initStats(stats),
		requestStats: stats,
	}, nil
}

// HandleFunc registers a handler at the given path. It's http.HandleFunc(),
// but with a wrapper around the handler that provides some generic
// per-request functionality:
//
//   - Set a Replay-Nonce header.
//
//   - Respond to OPTIONS requests, including CORS preflight requests.
//
//   - Set a no cache header
//
//   - Respond http.StatusMethodNotAllowed for HTTP methods other than those
//     listed.
//
//   - Set CORS headers when responding to CORS "actual" requests.
//
//   - Never send a body in response to a HEAD request. Anything written by
//     the handler will be discarded if the method is HEAD. Also, all handlers
//     that accept GET automatically accept HEAD.
func (wfe *WebFrontEndImpl) HandleFunc(mux *http.ServeMux, pattern string, h web.WFEHandlerFunc, methods ...string) {
	methodsMap := make(map[string]bool)
	for _, m := range methods {
		methodsMap[m] = true
	}
	if methodsMap["GET"] && !methodsMap["HEAD"] {
		// Allow HEAD for any resource that allows GET
		methods = append(methods, "HEAD")
		methodsMap["HEAD"] = true
	}
	methodsStr := strings.Join(methods, ", ")
	handler := http.StripPrefix(pattern, web.NewTopHandler(wfe.log,
		web.WFEHandlerFunc(func(ctx context.Context, logEvent *web.RequestEvent, response http.ResponseWriter, request *http.Request) {
			span := strings.TrimLeft(request.URL.Path, "/")
			logEvent.Endpoint = pattern
			if span != "" {
				logEvent.Slug = span
			}
			if request.Method != "GET" || pattern == newNoncePath {
				// Historically we did not return a error to the client
				// if we failed to get a new nonce. We preserve that
				// behavior.
				nonceMsg, err := wfe.nonceService.Nonce()
				if err == nil {
					response.Header().Set("Replay-Nonce", nonceMsg)
				} else {
					logEvent.AddError("unable to make nonce: %s", err)
				}
			}
			// Per section 7.1 "Resources":
			//   The "index" link relation is present on all resources other
			//   than the directory and indicates the URL of the directory.
			if pattern != directoryPath {
				directoryURL := web.RelativeEndpoint(request, directoryPath)
				response.Header().Add("Link", link(directoryURL, "index"))
			}

			switch request.Method {
			case "HEAD":
				// Go's net/http (and httptest) servers will strip out the
				// body of responses for us. This keeps the Content-Length
				// for HEAD requests as the same as GET requests per the
				// spec.
			case "OPTIONS":
				wfe.Options(response, request, methodsStr, methodsMap)
				return
			}

			// No cache header is set for all requests, succeed or fail.
			addNoCacheHeader(response)

			if !methodsMap[request.Method] {
				response.Header().Set("Allow", methodsStr)
				wfe.sendError(response, logEvent, probs.Method("Method not allowed"), nil)
				return
			}

			wfe.setCORSHeaders(response, request, "")

			timeout := wfe.RequestTimeout
			if timeout == 0 {
				timeout = 5 * time.Minute
			}
			ctx, cancel := context.WithTimeout(ctx, timeout)

			// Call the wrapped handler.
			h(ctx, logEvent, response, request)
			cancel()
		}),
	))
	mux.Handle(pattern, handler)
}

func marshalIndent(v interface{}) ([]byte, error) {
	return json.MarshalIndent(v, "", "  ")
}

func (wfe *WebFrontEndImpl) writeJsonResponse(response http.ResponseWriter, logEvent *web.RequestEvent, status int, v interface{}) error {
	jsonReply, err := marshalIndent(v)
	if err != nil {
		return err // All callers are responsible for handling this error
	}

	response.Header().Set("Content-Type", "application/json")
	response.WriteHeader(status)
	_, err = response.Write(jsonReply)
	if err != nil {
		// Don't worry about returning this error because the caller will
		// never handle it.
		wfe.log.Warningf("Could not write response: %s", err)
		logEvent.AddError("failed to write response: %s", err)
	}
	return nil
}

// requestProto returns "http" for HTTP requests and "https" for HTTPS
// requests. It supports the use of "X-Forwarded-Proto" to override the
// protocol.
func requestProto(request *http.Request) string {
	proto := "http"

	// If the request was received via TLS, use `https://` for the protocol
	if request.TLS != nil {
		proto = "https"
	}

	// Allow upstream proxies to specify the forwarded protocol. Allow this
	// value to override our own guess.
	if specifiedProto := request.Header.Get("X-Forwarded-Proto"); specifiedProto != "" {
		proto = specifiedProto
	}

	return proto
}

const randomDirKeyExplanationLink = "https://community.letsencrypt.org/t/adding-random-entries-to-the-directory/33417"

func (wfe *WebFrontEndImpl) relativeDirectory(request *http.Request, directory map[string]interface{}) ([]byte, error) {
	// Create an empty map sized equal to the provided directory to store the
	// relative-ized result
	relativeDir := make(map[string]interface{}, len(directory))

	// Copy each entry of the provided directory into the new relative map,
	// prefixing it with the request protocol and host.
	for k, v := range directory {
		if v == randomDirKeyExplanationLink {
			relativeDir[k] = v
			continue
		}
		switch v := v.(type) {
		case string:
			// Only relative-ize top level string values, e.g. not the "meta"
			// element
			relativeDir[k] = web.RelativeEndpoint(request, v)
		default:
			// If it isn't a string, put it into the results unmodified
			relativeDir[k] = v
		}
	}

	directoryJSON, err := marshalIndent(relativeDir)
	// This should never happen since we are just marshalling known strings
	if err != nil {
		return nil, err
	}

	return directoryJSON, nil
}

// Handler returns an http.Handler that uses various functions for various
// ACME-specified paths.
func (wfe *WebFrontEndImpl) Handler() http.Handler {
	m := http.NewServeMux()

	// GETable ACME endpoints
	wfe.HandleFunc(m, directoryPath, wfe.Directory, "GET")
	wfe.HandleFunc(m, newNoncePath, wfe.Nonce, "GET", "POST")

	// POSTable ACME endpoints
	wfe.HandleFunc(m, newAcctPath, wfe.NewAccount, "POST")
	wfe.HandleFunc(m, acctPath, wfe.Account, "POST")
	wfe.HandleFunc(m, revokeCertPath, wfe.RevokeCertificate, "POST")
	wfe.HandleFunc(m, rolloverPath, wfe.KeyRollover, "POST")
	wfe.HandleFunc(m, newOrderPath, wfe.NewOrder, "POST")
	wfe.HandleFunc(m, finalizeOrderPath, wfe.FinalizeOrder, "POST")

	// POST-as-GETable ACME endpoints
	wfe.HandleFunc(m, orderPath, wfe.GetOrder, "POST")
	wfe.HandleFunc(m, authzPath, wfe.Authorization, "POST")
	wfe.HandleFunc(m, challengePath, wfe.Challenge, "POST")
	wfe.HandleFunc(m, certPath, wfe.Certificate, "POST")

	// We don't use our special HandleFunc for "/" because it matches
	// everything, meaning we can wind up returning 405 when we mean to return
	// 404.
	m.Handle("/", web.NewTopHandler(wfe.log, web.WFEHandlerFunc(wfe.Index)))
	return measured_http.New(m, wfe.clk, wfe.requestStats)
}

// Method implementations

// Index serves a simple identification page. It is not part of the ACME spec.
func (wfe *WebFrontEndImpl) Index(ctx context.Context, logEvent *web.RequestEvent, response http.ResponseWriter, request *http.Request) {
	// All requests that are not handled by our ACME endpoints ends up
	// here. Set the our logEvent endpoint to "/" and the slug to the path
	// minus "/" to make sure that we properly set log information about
	// the request, even in the case of a 404
	logEvent.Endpoint = "/"
	logEvent.Slug = request.URL.Path[1:]

	// http://golang.org/pkg/net/http/#example_ServeMux_Handle
	// The "/" pattern matches everything, so we need to check
	// that we're at the root here.
	if request.URL.Path != "/" {
		logEvent.AddError("Resource not found")
		http.NotFound(response, request)
		response.Header().Set("Content-Type", "application/problem+json")
		return
	}

	if request.Method != "GET" {
		response.Header().Set("Allow", "GET")
		wfe.sendError(response, logEvent, probs.Method("Bad method"), nil)
		return
	}

	addNoCacheHeader(response)
	response.Header().Set("Content-Type", "text/html")
	fmt.Fprintf(response, `<html>
		<body>
			This is an <a href="https://tools.ietf.org/html/rfc8555">ACME</a>
			certificate broker. JSON directory is available at
			<a href="%s">%s</a>.
		</body>
	</html>
	`, directoryPath, directoryPath)
}

func addNoCacheHeader(w http.ResponseWriter) {
	w.Header().Add("Cache-Control", "public, max-age=0, no-cache")
}

func addRequesterHeader(w http.ResponseWriter, requester int64) {
	if requester > 0 {
		w.Header().Set("Broker-Requester", strconv.FormatInt(requester, 10))
	}
}

// Directory is an HTTP request handler that provides the directory object
// stored in the WFE's DirectoryEndpoints member with paths prefixed using the
// `request.Host` of the HTTP request.
func (wfe *WebFrontEndImpl) Directory(
	ctx context.Context,
	logEvent *web.RequestEvent,
	response http.ResponseWriter,
	request *http.Request) {
	directoryEndpoints := map[string]interface{}{
		"newAccount": newAcctPath,
		"newNonce":   newNoncePath,
		"revokeCert": revokeCertPath,
		"newOrder":   newOrderPath,
		"keyChange":  rolloverPath,
	}

	// Add a random key to the directory in order to make sure that clients
	// don't hardcode an expected set of keys. This ensures that we can
	// properly extend the directory when we need to add a new endpoint or
	// meta element.
	directoryEndpoints[core.RandomString(8)] = randomDirKeyExplanationLink

	// ACME describes an optional "meta" directory entry.
	metaMap := map[string]interface{}{
		"externalAccountRequired": wfe.RequireExternalAccounts,
	}
	if wfe.SubscriberAgreementURL != "" {
		metaMap["termsOfService"] = wfe.SubscriberAgreementURL
	}
	// The "meta" directory entry may also include a []string of CAA
	// identities
	if wfe.DirectoryCAAIdentity != "" {
		metaMap["caaIdentities"] = []string{
			wfe.DirectoryCAAIdentity,
		}
	}
	// The "meta" directory entry may also include a string with a website URL
	if wfe.DirectoryWebsite != "" {
		metaMap["website"] = wfe.DirectoryWebsite
	}
	directoryEndpoints["meta"] = metaMap

	response.Header().Set("Content-Type", "application/json")

	relDir, err := wfe.relativeDirectory(request, directoryEndpoints)
	if err != nil {
		marshalProb := probs.ServerInternal("unable to marshal JSON directory")
		wfe.sendError(response, logEvent, marshalProb, nil)
		return
	}

	logEvent.Suppressed = true
	response.Write(relDir)
}

// Nonce is an endpoint for getting a fresh nonce with an HTTP GET or HEAD
// request. This endpoint only returns a status code header - the HandleFunc
// wrapper ensures that a nonce is written in the correct response header.
func (wfe *WebFrontEndImpl) Nonce(
	ctx context.Context,
	logEvent *web.RequestEvent,
	response http.ResponseWriter,
	request *http.Request) {
	if request.Method == "POST" {
		// A POST to the new-nonce endpoint is a POST-as-GET and must carry a
		// valid JWS like any other authenticated request.
		_, prob := wfe.validPOSTAsGETForAccount(request, ctx, logEvent)
		if prob != nil {
			wfe.sendError(response, logEvent, prob, nil)
			return
		}
	}

	statusCode := http.StatusNoContent
	// The ACME specification says GET requests should receive
	// http.StatusNoContent and HEAD requests should receive http.StatusOK.
	if request.Method == "HEAD" {
		statusCode = http.StatusOK
	}
	response.WriteHeader(statusCode)

	// The ACME specification requires that the new-nonce endpoint cache
	// headers allow caching of the response by proxies, but only with
	// revalidation.
	response.Header().Set("Cache-Control", "no-store")
	logEvent.Suppressed = true
}

// sendError wraps web.SendError
func (wfe *WebFrontEndImpl) sendError(response http.ResponseWriter, logEvent *web.RequestEvent, prob *probs.ProblemDetails, ierr error) {
	var bErr *berrors.BrokerError
	if errors.As(ierr, &bErr) {
		// It's helpful to surface the detail of internal broker errors in the
		// request log, even when the problem hides it from the client.
		logEvent.AddError("%s", bErr.Detail)
	}
	wfe.stats.httpErrorCount.With(prometheus.Labels{"type": string(prob.Type)}).Inc()
	web.SendError(wfe.log, response, logEvent, prob, ierr)
}

func link(url, relation string) string {
	return fmt.Sprintf("<%s>;rel=\"%s\"", url, relation)
}

// accountJSON is the RFC 8555 view of a core.Registration, with the orders
// list URL computed relative to the request.
type accountJSON struct {
	Key     *jose.JSONWebKey `json:"key"`
	Contact []string         `json:"contact,omitempty"`
	Status  core.AcmeStatus  `json:"status"`
	Orders  string           `json:"orders,omitempty"`
}

func (wfe *WebFrontEndImpl) accountToJSON(request *http.Request, reg core.Registration) accountJSON {
	return accountJSON{
		Key:     reg.Key,
		Contact: reg.Contact,
		Status:  reg.Status,
		Orders: web.RelativeEndpoint(request,
			fmt.Sprintf("%s%d/%s", acctPath, reg.ID, ordersSubpath)),
	}
}

// NewAccount is used by clients to submit a new account
func (wfe *WebFrontEndImpl) NewAccount(
	ctx context.Context,
	logEvent *web.RequestEvent,
	response http.ResponseWriter,
	request *http.Request) {

	// NewAccount uses `validSelfAuthenticatedPOST` instead of
	// `validPOSTforAccount` because there is no account to authenticate
	// against until after it is created!
	body, key, prob := wfe.validSelfAuthenticatedPOST(ctx, request, logEvent)
	if prob != nil {
		// validSelfAuthenticatedPOST handles its own setting of
		// logEvent.Errors
		wfe.sendError(response, logEvent, prob, nil)
		return
	}

	var accountCreateRequest struct {
		Contact                []string        `json:"contact"`
		TermsOfServiceAgreed   bool            `json:"termsOfServiceAgreed"`
		OnlyReturnExisting     bool            `json:"onlyReturnExisting"`
		ExternalAccountBinding json.RawMessage `json:"externalAccountBinding,omitempty"`
	}

	err := json.Unmarshal(body, &accountCreateRequest)
	if err != nil {
		wfe.sendError(response, logEvent, probs.Malformed("Error unmarshaling JSON"), err)
		return
	}

	returnExistingAcct := func(acct core.Registration) {
		response.Header().Set("Location",
			web.RelativeEndpoint(request, fmt.Sprintf("%s%d", acctPath, acct.ID)))
		logEvent.Requester = acct.ID
		addRequesterHeader(response, acct.ID)

		err := wfe.writeJsonResponse(response, logEvent, http.StatusOK, wfe.accountToJSON(request, acct))
		if err != nil {
			// ServerInternal because we just retrieved this account and it
			// should be OK.
			wfe.sendError(response, logEvent, probs.ServerInternal("Error marshaling account"), err)
		}
	}

	existingAcct, err := wfe.sa.GetRegistrationByKey(ctx, key)
	if err == nil {
		returnExistingAcct(existingAcct)
		return
	} else if !berrors.Is(err, berrors.NotFound) {
		wfe.sendError(response, logEvent, probs.ServerInternal("failed check for existing account"), err)
		return
	}

	// If the request included a true "OnlyReturnExisting" field and we did
	// not find an existing registration with the key specified then we must
	// return an error and not create a new account.
	if accountCreateRequest.OnlyReturnExisting {
		wfe.sendError(response, logEvent, probs.AccountDoesNotExist(
			"No account exists with the provided key"), nil)
		return
	}

	if !accountCreateRequest.TermsOfServiceAgreed {
		wfe.sendError(response, logEvent, probs.Malformed("must agree to terms of service"), nil)
		return
	}

	if len(accountCreateRequest.ExternalAccountBinding) > 0 {
		eabKeyID, prob := wfe.validExternalAccountBinding(
			accountCreateRequest.ExternalAccountBinding, key, request)
		if prob != nil {
			wfe.sendError(response, logEvent, prob, nil)
			return
		}
		logEvent.Extra["ExternalAccountKeyID"] = eabKeyID
	} else if wfe.RequireExternalAccounts {
		wfe.sendError(response, logEvent, probs.ExternalAccountRequired(
			"new-account requests must include a value for the \"externalAccountBinding\" field"), nil)
		return
	}

	acct, err := wfe.ra.NewRegistration(ctx, core.Registration{
		Contact:   accountCreateRequest.Contact,
		Agreement: wfe.SubscriberAgreementURL,
		Key:       key,
	})
	if err != nil {
		if berrors.Is(err, berrors.Duplicate) {
			// A concurrent request for the same key won the race. Return the
			// account it created.
			existingAcct, getErr := wfe.sa.GetRegistrationByKey(ctx, key)
			if getErr == nil {
				returnExistingAcct(existingAcct)
				return
			}
		}
		wfe.sendError(response, logEvent,
			web.ProblemDetailsForError(err, "Error creating new account"), err)
		return
	}
	logEvent.Requester = acct.ID
	addRequesterHeader(response, acct.ID)

	acctURL := web.RelativeEndpoint(request, fmt.Sprintf("%s%d", acctPath, acct.ID))

	response.Header().Add("Location", acctURL)
	if len(wfe.SubscriberAgreementURL) > 0 {
		response.Header().Add("Link", link(wfe.SubscriberAgreementURL, "terms-of-service"))
	}

	err = wfe.writeJsonResponse(response, logEvent, http.StatusCreated, wfe.accountToJSON(request, acct))
	if err != nil {
		// ServerInternal because we just created this account, and it should
		// be OK.
		wfe.sendError(response, logEvent, probs.ServerInternal("Error marshaling account"), err)
		return
	}
}

// Account is used by a client to submit an update to their account, to
// deactivate their account, or to list their orders.
func (wfe *WebFrontEndImpl) Account(
	ctx context.Context,
	logEvent *web.RequestEvent,
	response http.ResponseWriter,
	request *http.Request) {
	body, _, currAcct, prob := wfe.validPOSTForAccount(request, ctx, logEvent)
	addRequesterHeader(response, logEvent.Requester)
	if prob != nil {
		// validPOSTForAccount handles its own setting of logEvent.Errors
		wfe.sendError(response, logEvent, prob, nil)
		return
	}

	// Requests to this handler are either for the account itself,
	// "<id>", or for its order list, "<id>/orders".
	fields := strings.Split(request.URL.Path, "/")
	if len(fields) == 2 && fields[1] == ordersSubpath {
		wfe.ordersForAccount(ctx, logEvent, response, request, fields[0], currAcct, body)
		return
	}
	if len(fields) != 1 {
		wfe.sendError(response, logEvent, probs.NotFound("Invalid request path"), nil)
		return
	}

	id, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		wfe.sendError(response, logEvent, probs.Malformed("Account ID must be an integer"), err)
		return
	} else if id <= 0 {
		wfe.sendError(response, logEvent, probs.Malformed(
			"Account ID must be a positive non-zero integer, was %d", id), nil)
		return
	} else if id != currAcct.ID {
		wfe.sendError(response, logEvent,
			probs.Unauthorized("Request signing key did not match account key"), nil)
		return
	}

	// If the body was not empty, then this is an account update request.
	if string(body) != "" {
		currAcct, prob = wfe.updateAccount(ctx, body, currAcct)
		if prob != nil {
			wfe.sendError(response, logEvent, prob, nil)
			return
		}
	}

	if len(wfe.SubscriberAgreementURL) > 0 {
		response.Header().Add("Link", link(wfe.SubscriberAgreementURL, "terms-of-service"))
	}

	err = wfe.writeJsonResponse(response, logEvent, http.StatusOK, wfe.accountToJSON(request, *currAcct))
	if err != nil {
		// ServerInternal because we just generated the account, it should be
		// OK
		wfe.sendError(response, logEvent,
			probs.ServerInternal("Failed to marshal account"), err)
		return
	}
}

// updateAccount unmarshals an account update request from the provided
// requestBody to update the given registration. Important: It is assumed the
// request has already been authenticated by the caller. If the request is a
// valid update the resulting updated account is returned, otherwise a problem
// is returned.
func (wfe *WebFrontEndImpl) updateAccount(
	ctx context.Context,
	requestBody []byte,
	currAcct *core.Registration) (*core.Registration, *probs.ProblemDetails) {
	// Only the Contact and Status fields of an account may be updated this
	// way. For key updates clients should be using the key change endpoint.
	var accountUpdateRequest struct {
		Contact []string        `json:"contact"`
		Status  core.AcmeStatus `json:"status"`
	}

	err := json.Unmarshal(requestBody, &accountUpdateRequest)
	if err != nil {
		return nil, probs.Malformed("Error unmarshaling account")
	}

	// People *will* POST their full accounts to this endpoint, including the
	// 'valid' status, to avoid always failing out when that happens only
	// attempt to deactivate if the provided status is different from their
	// current status.
	//
	// If a user tries to send both a deactivation request and an update to
	// their contacts the deactivation will take place and return before an
	// update would be performed.
	if accountUpdateRequest.Status != "" && accountUpdateRequest.Status != currAcct.Status {
		if accountUpdateRequest.Status != core.StatusDeactivated {
			return nil, probs.Malformed("Invalid value provided for status field")
		}
		deactivated, err := wfe.ra.DeactivateRegistration(ctx, *currAcct)
		if err != nil {
			return nil, web.ProblemDetailsForError(err, "Unable to deactivate account")
		}
		return &deactivated, nil
	}

	update := core.Registration{
		Contact: accountUpdateRequest.Contact,
	}
	updatedAcct, err := wfe.ra.UpdateRegistration(ctx, *currAcct, update)
	if err != nil {
		return nil, web.ProblemDetailsForError(err, "Unable to update account")
	}
	return &updatedAcct, nil
}

// ordersForAccount serves the account's order list resource per RFC 8555
// section 7.1.2.1. It is reached by POST-as-GET only.
func (wfe *WebFrontEndImpl) ordersForAccount(
	ctx context.Context,
	logEvent *web.RequestEvent,
	response http.ResponseWriter,
	request *http.Request,
	acctIDStr string,
	currAcct *core.Registration,
	body []byte) {
	if string(body) != "" {
		wfe.sendError(response, logEvent,
			probs.Malformed("POST-as-GET requests must have an empty payload"), nil)
		return
	}

	acctID, err := strconv.ParseInt(acctIDStr, 10, 64)
	if err != nil {
		wfe.sendError(response, logEvent, probs.Malformed("Account ID must be an integer"), err)
		return
	}
	if acctID != currAcct.ID {
		wfe.sendError(response, logEvent,
			probs.Unauthorized("Request signing key did not match account key"), nil)
		return
	}

	orders, err := wfe.sa.GetOrdersForAccount(ctx, acctID)
	if err != nil {
		wfe.sendError(response, logEvent,
			web.ProblemDetailsForError(err, "Failed to retrieve orders"), err)
		return
	}

	var ordersList struct {
		Orders []string `json:"orders"`
	}
	ordersList.Orders = make([]string, 0, len(orders))
	for _, order := range orders {
		ordersList.Orders = append(ordersList.Orders, web.RelativeEndpoint(request,
			fmt.Sprintf("%s%d/%d", orderPath, acctID, order.ID)))
	}

	err = wfe.writeJsonResponse(response, logEvent, http.StatusOK, ordersList)
	if err != nil {
		wfe.sendError(response, logEvent, probs.ServerInternal("Error marshaling order list"), err)
		return
	}
}

// revocationReasonAllowed is the subset of RFC 5280 revocation reason codes
// a subscriber may request.
var revocationReasonAllowed = map[int64]bool{
	0: true, // unspecified
	1: true, // keyCompromise
	4: true, // superseded
	5: true, // cessationOfOperation
}

// authorizedToRevokeCert is a callback function that can be used to validate
// if a given requester is authorized to revoke the certificate parsed out of
// the revocation request. If the requester is not authorized to revoke the
// certificate a problem is returned. It is expected to be a closure
// containing additional state (an account ID or key) that will be used to
// make the decision.
type authorizedToRevokeCert func(*x509.Certificate, core.Certificate) *probs.ProblemDetails

// processRevocation accepts the payload for a revocation request and a
// callback used to decide if the requester is authorized to revoke a given
// certificate. If the requester is not authorized to revoke the certificate
// requested a problem is returned. Otherwise the certificate is revoked
// through the RA.
func (wfe *WebFrontEndImpl) processRevocation(
	ctx context.Context,
	jwsBody []byte,
	regID int64,
	authorizedToRevoke authorizedToRevokeCert,
	logEvent *web.RequestEvent) *probs.ProblemDetails {
	// Read the revoke request from the JWS payload
	var revokeRequest struct {
		CertificateDER core.JSONBuffer `json:"certificate"`
		Reason         *int64          `json:"reason"`
	}
	err := json.Unmarshal(jwsBody, &revokeRequest)
	if err != nil {
		return probs.Malformed("Unable to JSON parse revoke request")
	}

	// Parse the provided certificate
	providedCert, err := x509.ParseCertificate(revokeRequest.CertificateDER)
	if err != nil {
		return probs.Malformed("Unable to parse certificate DER")
	}

	// Compute and record the serial number of the provided certificate
	serial := core.SerialToString(providedCert.SerialNumber)
	logEvent.Extra["ProvidedCertificateSerial"] = serial

	// Lookup the certificate by the serial. If the certificate wasn't found,
	// or it wasn't a byte-for-byte match to the certificate requested for
	// revocation, return an error
	cert, err := wfe.sa.GetCertificate(ctx, serial)
	if err != nil || !bytes.Equal(cert.DER, revokeRequest.CertificateDER) {
		return probs.NotFound("No such certificate")
	}
	logEvent.Extra["RetrievedCertificateDNSNames"] = providedCert.DNSNames

	if providedCert.NotAfter.Before(wfe.clk.Now()) {
		return probs.Unauthorized("Certificate is expired")
	}

	// Verify the revocation reason supplied is allowed
	reason := int64(0)
	if revokeRequest.Reason != nil {
		if !revocationReasonAllowed[*revokeRequest.Reason] {
			return probs.BadRevocationReason(*revokeRequest.Reason)
		}
		reason = *revokeRequest.Reason
	}

	// Validate that the requester is authenticated to revoke the given
	// certificate
	prob := authorizedToRevoke(providedCert, cert)
	if prob != nil {
		return prob
	}

	// When the requester proved control of the certificate key rather than
	// of an account, bill the revocation to the issuing account.
	if regID == 0 {
		regID = cert.RegistrationID
	}
	err = wfe.ra.RevokeCertificate(ctx, providedCert, reason, regID)
	if err != nil {
		if berrors.Is(err, berrors.Duplicate) {
			return probs.AlreadyRevoked("Certificate already revoked")
		}
		return web.ProblemDetailsForError(err, "Failed to revoke certificate")
	}

	wfe.log.Debugf("Revoked %v", serial)
	return nil
}

// revokeCertByKeyID processes an outer JWS as a revocation request that is
// authenticated by a KeyID and the associated account.
func (wfe *WebFrontEndImpl) revokeCertByKeyID(
	ctx context.Context,
	jws *jose.JSONWebSignature,
	request *http.Request,
	logEvent *web.RequestEvent) *probs.ProblemDetails {
	// For Key ID revocations we authenticate the outer JWS by using
	// validJWSForAccount similar to other WFE endpoints
	jwsBody, _, acct, prob := wfe.validJWSForAccount(jws, request, ctx, logEvent)
	if prob != nil {
		return prob
	}
	// The RA performs the authorization check for account-authenticated
	// revocations: the account must have issued the certificate or hold
	// valid authorizations for every name on it.
	authorizedToRevoke := func(*x509.Certificate, core.Certificate) *probs.ProblemDetails {
		return nil
	}
	return wfe.processRevocation(ctx, jwsBody, acct.ID, authorizedToRevoke, logEvent)
}

// revokeCertByJWK processes an outer JWS as a revocation request that is
// authenticated by an embedded JWK. E.g. in the case where someone is
// requesting a revocation by using the keypair associated with the
// certificate to be revoked
func (wfe *WebFrontEndImpl) revokeCertByJWK(
	ctx context.Context,
	jws *jose.JSONWebSignature,
	request *http.Request,
	logEvent *web.RequestEvent) *probs.ProblemDetails {
	// For embedded JWK revocations we authenticate the outer JWS by using
	// validSelfAuthenticatedJWS similar to new-account. We do *not* use
	// validSelfAuthenticatedPOST here because we've already read the HTTP
	// request body in parseJWSRequest and it is now empty.
	jwsBody, jwk, prob := wfe.validSelfAuthenticatedJWS(ctx, jws, request, logEvent)
	if prob != nil {
		return prob
	}
	// For embedded JWK revocations we decide if a requester is able to revoke
	// a specific certificate by checking that the to-be-revoked certificate
	// has the same public key as the JWK that was used to authenticate the
	// request
	authorizedToRevoke := func(parsedCertificate *x509.Certificate, _ core.Certificate) *probs.ProblemDetails {
		if !core.KeyDigestEquals(jwk, parsedCertificate.PublicKey) {
			return probs.Unauthorized(
				"JWK embedded in revocation request must be the same public key as the cert to be revoked")
		}
		return nil
	}
	// We use `0` as the account ID provided to processRevocation because
	// this is a self-authenticated request.
	return wfe.processRevocation(ctx, jwsBody, 0, authorizedToRevoke, logEvent)
}

// RevokeCertificate is used by clients to request the revocation of a cert.
// The revocation request is handled uniquely based on the method of
// authentication used.
func (wfe *WebFrontEndImpl) RevokeCertificate(
	ctx context.Context,
	logEvent *web.RequestEvent,
	response http.ResponseWriter,
	request *http.Request) {

	// The ACME specification handles the verification of revocation requests
	// differently from other endpoints. For this reason we do *not*
	// immediately call validPOSTForAccount like all of the other endpoints.
	// For this endpoint we need to accept a JWS with an embedded JWK, or a
	// JWS with an embedded key ID, handling each case differently in terms
	// of which certificates are authorized to be revoked by the requester

	// Parse the JWS from the HTTP Request
	jws, prob := wfe.parseJWSRequest(request)
	if prob != nil {
		wfe.sendError(response, logEvent, prob, nil)
		return
	}

	// Figure out which type of authentication this JWS uses
	authType, prob := checkJWSAuthType(jws.Signatures[0].Header)
	if prob != nil {
		wfe.sendError(response, logEvent, prob, nil)
		return
	}

	// Handle the revocation request according to how it is authenticated, or
	// if the authentication type is unknown, error immediately
	switch authType {
	case embeddedKeyID:
		prob = wfe.revokeCertByKeyID(ctx, jws, request, logEvent)
		addRequesterHeader(response, logEvent.Requester)
	case embeddedJWK:
		prob = wfe.revokeCertByJWK(ctx, jws, request, logEvent)
	default:
		prob = probs.Malformed("Malformed JWS, no KeyID or embedded JWK")
	}
	if prob != nil {
		wfe.sendError(response, logEvent, prob, nil)
		return
	}
	response.WriteHeader(http.StatusOK)
}

// Challenge handles POST requests to challenge URLs of the form
// /acme/chall/<authorization id>/<challenge type>.
func (wfe *WebFrontEndImpl) Challenge(
	ctx context.Context,
	logEvent *web.RequestEvent,
	response http.ResponseWriter,
	request *http.Request) {
	body, _, currAcct, prob := wfe.validPOSTForAccount(request, ctx, logEvent)
	addRequesterHeader(response, logEvent.Requester)
	if prob != nil {
		// validPOSTForAccount handles its own setting of logEvent.Errors
		wfe.sendError(response, logEvent, prob, nil)
		return
	}

	notFound := func() {
		wfe.sendError(response, logEvent, probs.NotFound("No such challenge"), nil)
	}
	slug := strings.Split(request.URL.Path, "/")
	if len(slug) != 2 {
		notFound()
		return
	}
	authorizationID, err := strconv.ParseInt(slug[0], 10, 64)
	if err != nil {
		wfe.sendError(response, logEvent, probs.Malformed("Invalid authorization ID"), nil)
		return
	}
	challengeID := slug[1]

	authz, err := wfe.sa.GetAuthorization(ctx, authorizationID)
	if err != nil {
		if berrors.Is(err, berrors.NotFound) {
			notFound()
		} else {
			wfe.sendError(response, logEvent, probs.ServerInternal("Problem getting authorization"), err)
		}
		return
	}

	// After expiring, challenges are inaccessible
	if authz.Expires == nil || authz.Expires.Before(wfe.clk.Now()) {
		wfe.sendError(response, logEvent, probs.NotFound("Expired authorization"), nil)
		return
	}

	// Check that the requested challenge exists within the authorization
	challengeIndex := -1
	for i, chall := range authz.Challenges {
		if chall.StringID() == challengeID {
			challengeIndex = i
			break
		}
	}
	if challengeIndex == -1 {
		notFound()
		return
	}

	// Check that the account ID matching the key used matches the account ID
	// on the authz object
	if currAcct.ID != authz.RegistrationID {
		wfe.sendError(response,
			logEvent,
			probs.Unauthorized("User account ID doesn't match account ID in authorization"),
			nil,
		)
		return
	}

	logEvent.ChallengeType = string(authz.Challenges[challengeIndex].Type)
	if authz.Identifier.Type == identifier.DNS {
		logEvent.DNSName = authz.Identifier.Value
	}
	logEvent.Status = string(authz.Status)

	// If the JWS body is empty then this POST is a POST-as-GET to retrieve
	// challenge details, not a POST to initiate a challenge
	if string(body) == "" {
		challenge := authz.Challenges[challengeIndex]
		wfe.getChallenge(response, request, authz, &challenge, logEvent)
		return
	}

	wfe.postChallenge(ctx, response, request, authz, challengeIndex, currAcct, body, logEvent)
}

// prepChallengeForDisplay takes a core.Challenge and prepares it for display
// to the client by filling in its URL field.
func (wfe *WebFrontEndImpl) prepChallengeForDisplay(request *http.Request, authz core.Authorization, challenge *core.Challenge) {
	// Update the challenge URL to be relative to the HTTP request Host
	challenge.URL = web.RelativeEndpoint(request,
		fmt.Sprintf("%s%d/%s", challengePath, authz.ID, challenge.StringID()))

	// Internally the problem namespace is stripped from challenge errors.
	// Add it back before the problem reaches a client. Work on a copy so the
	// stored challenge is not mutated.
	if challenge.Error != nil && !strings.HasPrefix(string(challenge.Error.Type), probs.ErrorNS) {
		prefixed := *challenge.Error
		prefixed.Type = probs.ProblemType(probs.ErrorNS) + prefixed.Type
		challenge.Error = &prefixed
	}

	// The attempt counter is bookkeeping for the validation retry bound,
	// not part of the wire challenge object.
	challenge.Attempts = 0

	// If the authz has been marked invalid, consider all challenges on that
	// authz to be invalid as well.
	if authz.Status == core.StatusInvalid {
		challenge.Status = authz.Status
	}
}

func (wfe *WebFrontEndImpl) getChallenge(
	response http.ResponseWriter,
	request *http.Request,
	authz core.Authorization,
	challenge *core.Challenge,
	logEvent *web.RequestEvent) {

	wfe.prepChallengeForDisplay(request, authz, challenge)

	authzURL := web.RelativeEndpoint(request, fmt.Sprintf("%s%d", authzPath, authz.ID))
	response.Header().Add("Location", challenge.URL)
	response.Header().Add("Link", link(authzURL, "up"))

	err := wfe.writeJsonResponse(response, logEvent, http.StatusOK, challenge)
	if err != nil {
		// InternalServerError because this is a failure to decode data passed
		// in by the caller, which got it from the DB.
		wfe.sendError(response, logEvent, probs.ServerInternal("Failed to marshal challenge"), err)
		return
	}
}

func (wfe *WebFrontEndImpl) postChallenge(
	ctx context.Context,
	response http.ResponseWriter,
	request *http.Request,
	authz core.Authorization,
	challengeIndex int,
	currAcct *core.Registration,
	body []byte,
	logEvent *web.RequestEvent) {
	// We can expect some clients to try and update a challenge for an
	// authorization that is already valid. In this case we don't need to
	// process the challenge update. It wouldn't be helpful, the overall
	// authorization is already good!
	var returnAuthz core.Authorization
	if authz.Status == core.StatusValid {
		returnAuthz = authz
	} else {
		// Historically a challenge update needed to include a
		// KeyAuthorization field. This is no longer the case, since both
		// sides can calculate the key authorization as needed. We unmarshal
		// here only to check that the POST body is valid JSON. Any
		// data/fields included are ignored to be kind to ACMEv2
		// implementations that still send a key authorization.
		var challengeUpdate struct{}
		err := json.Unmarshal(body, &challengeUpdate)
		if err != nil {
			wfe.sendError(response, logEvent, probs.Malformed("Error unmarshaling challenge response"), err)
			return
		}

		updatedAuthz, err := wfe.ra.PerformValidation(
			ctx, authz, authz.Challenges[challengeIndex].Type, currAcct.Key)
		if err != nil {
			wfe.sendError(response, logEvent, web.ProblemDetailsForError(err, "Unable to update challenge"), err)
			return
		}
		returnAuthz = updatedAuthz
	}

	// The challenge may have moved in the returned authorization if siblings
	// were retired; find it again by type.
	returnIndex := returnAuthz.FindChallengeByType(authz.Challenges[challengeIndex].Type)
	if returnIndex == -1 {
		wfe.sendError(response, logEvent, probs.ServerInternal("Challenge not present in updated authorization"), nil)
		return
	}
	challenge := returnAuthz.Challenges[returnIndex]
	wfe.prepChallengeForDisplay(request, returnAuthz, &challenge)

	authzURL := web.RelativeEndpoint(request, fmt.Sprintf("%s%d", authzPath, authz.ID))
	response.Header().Add("Location", challenge.URL)
	response.Header().Add("Link", link(authzURL, "up"))

	err := wfe.writeJsonResponse(response, logEvent, http.StatusOK, challenge)
	if err != nil {
		// ServerInternal because we made the challenges, they should be OK
		wfe.sendError(response, logEvent, probs.ServerInternal("Failed to marshal challenge"), err)
		return
	}
}

// authzJSON is the RFC 8555 view of a core.Authorization. Wildcard
// authorizations are stored with a "*." prefixed identifier internally; on
// the wire the prefix is stripped and the wildcard field set instead.
type authzJSON struct {
	Identifier identifier.ACMEIdentifier `json:"identifier"`
	Status     core.AcmeStatus           `json:"status"`
	Expires    *time.Time                `json:"expires,omitempty"`
	Challenges []core.Challenge          `json:"challenges"`
	Wildcard   bool                      `json:"wildcard,omitempty"`
}

// prepAuthorizationForDisplay takes a core.Authorization and prepares it for
// display to the client by preparing all its challenges and strippig the
// wildcard prefix from its identifier.
func (wfe *WebFrontEndImpl) prepAuthorizationForDisplay(request *http.Request, authz core.Authorization) authzJSON {
	challenges := make([]core.Challenge, len(authz.Challenges))
	copy(challenges, authz.Challenges)
	for i := range challenges {
		wfe.prepChallengeForDisplay(request, authz, &challenges[i])
	}

	out := authzJSON{
		Identifier: authz.Identifier,
		Status:     authz.Status,
		Expires:    authz.Expires,
		Challenges: challenges,
	}

	// The ACME spec forbids allowing "*" in authorization identifiers. The
	// broker allows this internally as a means of tracking when an
	// authorization corresponds to a wildcard request. We strip the "*."
	// prefix from the Authz's Identifier's Value here to respect the law of
	// the protocol.
	if strings.HasPrefix(out.Identifier.Value, "*.") {
		out.Identifier.Value = strings.TrimPrefix(out.Identifier.Value, "*.")
		out.Wildcard = true
	}
	return out
}

// Authorization is used by clients to submit an update to one of their
// authorizations: either a deactivation or a POST-as-GET query.
func (wfe *WebFrontEndImpl) Authorization(ctx context.Context, logEvent *web.RequestEvent, response http.ResponseWriter, request *http.Request) {
	body, _, acct, prob := wfe.validPOSTForAccount(request, ctx, logEvent)
	addRequesterHeader(response, logEvent.Requester)
	if prob != nil {
		wfe.sendError(response, logEvent, prob, nil)
		return
	}

	authzID, err := strconv.ParseInt(request.URL.Path, 10, 64)
	if err != nil {
		wfe.sendError(response, logEvent, probs.NotFound("No such authorization"), nil)
		return
	}
	authz, err := wfe.sa.GetAuthorization(ctx, authzID)
	if err != nil {
		if berrors.Is(err, berrors.NotFound) {
			wfe.sendError(response, logEvent, probs.NotFound("No such authorization"), nil)
		} else {
			wfe.sendError(response, logEvent, probs.ServerInternal("Problem getting authorization"), err)
		}
		return
	}
	if authz.Identifier.Type == identifier.DNS {
		logEvent.DNSName = authz.Identifier.Value
	}
	logEvent.Status = string(authz.Status)

	// After expiring, authorizations are inaccessible
	if authz.Expires == nil || authz.Expires.Before(wfe.clk.Now()) {
		wfe.sendError(response, logEvent, probs.NotFound("Expired authorization"), nil)
		return
	}

	// The requester must own the authorization before we deactivate it or
	// return its details
	if acct.ID != authz.RegistrationID {
		wfe.sendError(response, logEvent,
			probs.Unauthorized("Account ID doesn't match ID for authorization"), nil)
		return
	}

	// If the body isn't empty we know it isn't a POST-as-GET and must be an
	// attempt to deactivate the authorization.
	if string(body) != "" {
		var req struct {
			Status core.AcmeStatus
		}
		err := json.Unmarshal(body, &req)
		if err != nil {
			wfe.sendError(response, logEvent, probs.Malformed("Error unmarshaling JSON"), err)
			return
		}
		if req.Status != core.StatusDeactivated {
			wfe.sendError(response, logEvent, probs.Malformed("Invalid status value"), nil)
			return
		}
		authz, err = wfe.ra.DeactivateAuthorization(ctx, authz)
		if err != nil {
			wfe.sendError(response, logEvent, web.ProblemDetailsForError(err, "Error deactivating authorization"), err)
			return
		}
	}

	err = wfe.writeJsonResponse(response, logEvent, http.StatusOK, wfe.prepAuthorizationForDisplay(request, authz))
	if err != nil {
		// InternalServerError because this is a failure to decode from our
		// DB.
		wfe.sendError(response, logEvent, probs.ServerInternal("Failed to JSON marshal authz"), err)
		return
	}
}

// Certificate is used by clients to request a copy of their current
// certificate. It is reached by POST-as-GET only.
func (wfe *WebFrontEndImpl) Certificate(ctx context.Context, logEvent *web.RequestEvent, response http.ResponseWriter, request *http.Request) {
	acct, prob := wfe.validPOSTAsGETForAccount(request, ctx, logEvent)
	addRequesterHeader(response, logEvent.Requester)
	if prob != nil {
		wfe.sendError(response, logEvent, prob, nil)
		return
	}

	serial := request.URL.Path
	// Certificate paths consist of the CertBase path, plus exactly sixteen
	// hex digits.
	if !core.ValidSerial(serial) {
		wfe.sendError(
			response,
			logEvent,
			probs.NotFound("Certificate not found"),
			fmt.Errorf("certificate serial provided was not valid: %s", serial),
		)
		return
	}
	logEvent.Extra["RequestedSerial"] = serial

	cert, err := wfe.sa.GetCertificate(ctx, serial)
	if err != nil {
		if berrors.Is(err, berrors.NotFound) {
			wfe.sendError(response, logEvent, probs.NotFound("Certificate not found"), err)
		} else {
			wfe.sendError(response, logEvent,
				web.ProblemDetailsForError(err, "Failed to retrieve certificate"), err)
		}
		return
	}

	// The requesting account must be the owner of the certificate, otherwise
	// return an unauthorized error.
	if cert.RegistrationID != acct.ID {
		wfe.sendError(response, logEvent, probs.Unauthorized("Account in use did not issue specified certificate"), nil)
		return
	}

	leafPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: cert.DER,
	})
	responsePEM := leafPEM
	if len(wfe.CertificateChain) > 0 {
		responsePEM = append(responsePEM, wfe.CertificateChain...)
	}

	// We must explicitly set the Content-Length header here. The Go HTTP
	// library will only add this header if the body is below a certain size
	// and with the addition of a PEM encoded certificate chain the body size
	// of this endpoint will exceed this threshold.
	response.Header().Set("Content-Length", strconv.Itoa(len(responsePEM)))
	response.Header().Set("Content-Type", "application/pem-certificate-chain")
	response.WriteHeader(http.StatusOK)
	_, err = response.Write(responsePEM)
	if err != nil {
		wfe.log.Warningf("Could not write response: %s", err)
	}
}

// Options responds to an HTTP OPTIONS request.
func (wfe *WebFrontEndImpl) Options(response http.ResponseWriter, request *http.Request, methodsStr string, methodsMap map[string]bool) {
	// Every OPTIONS request gets an Allow header with a list of supported
	// methods.
	response.Header().Set("Allow", methodsStr)

	// CORS preflight requests get additional headers. See
	// http://www.w3.org/TR/cors/#resource-preflight-requests
	reqMethod := request.Header.Get("Access-Control-Request-Method")
	if reqMethod == "" {
		reqMethod = "GET"
	}
	if methodsMap[reqMethod] {
		wfe.setCORSHeaders(response, request, methodsStr)
	}
}

// setCORSHeaders() tells the client that CORS is acceptable for this
// request. If allowMethods == "" the request is assumed to be a CORS
// actual request and no Access-Control-Allow-Methods header will be sent.
func (wfe *WebFrontEndImpl) setCORSHeaders(response http.ResponseWriter, request *http.Request, allowMethods string) {
	reqOrigin := request.Header.Get("Origin")
	if reqOrigin == "" {
		// This is not a CORS request.
		return
	}

	// Allow CORS if the current origin (or "*") is listed as an allowed
	// origin in config. Otherwise, disallow by returning without setting any
	// CORS headers.
	allow := false
	for _, ao := range wfe.AllowOrigins {
		if ao == "*" {
			response.Header().Set("Access-Control-Allow-Origin", "*")
			allow = true
			break
		} else if ao == reqOrigin {
			response.Header().Set("Vary", "Origin")
			response.Header().Set("Access-Control-Allow-Origin", ao)
			allow = true
			break
		}
	}
	if !allow {
		return
	}

	if allowMethods != "" {
		// For an OPTIONS request: allow all methods handled at this URL.
		response.Header().Set("Access-Control-Allow-Methods", allowMethods)
	}
	// NOTE: "Content-Type" is considered a 'simple header' that doesn't need
	// to be explicitly allowed in 'access-control-allow-headers', but only
	// when the value is one of: `application/x-www-form-urlencoded`,
	// `multipart/form-data`, or `text/plain`. Since `application/jose+json`
	// is not one of these values we must be explicit in saying that
	// `Content-Type` is an allowed header.
	response.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	response.Header().Set("Access-Control-Expose-Headers", "Link, Replay-Nonce, Location")
	response.Header().Set("Access-Control-Max-Age", "86400")
}

// KeyRollover allows a user to change their signing key
func (wfe *WebFrontEndImpl) KeyRollover(
	ctx context.Context,
	logEvent *web.RequestEvent,
	response http.ResponseWriter,
	request *http.Request) {
	// Validate the outer JWS on the key rollover in standard fashion using
	// validPOSTForAccount
	outerBody, outerJWS, acct, prob := wfe.validPOSTForAccount(request, ctx, logEvent)
	addRequesterHeader(response, logEvent.Requester)
	if prob != nil {
		wfe.sendError(response, logEvent, prob, nil)
		return
	}
	oldKey := acct.Key

	// Parse the inner JWS from the validated outer JWS body
	innerJWS, prob := wfe.parseJWS(outerBody)
	if prob != nil {
		wfe.sendError(response, logEvent, prob, nil)
		return
	}

	// Validate the inner JWS as a key rollover request for the outer JWS
	rolloverOperation, prob := wfe.validKeyRollover(ctx, outerJWS, innerJWS, oldKey, logEvent)
	if prob != nil {
		wfe.sendError(response, logEvent, prob, nil)
		return
	}
	newKey := rolloverOperation.NewKey

	// Check that the rollover request's account URL matches the account URL
	// used to validate the outer JWS
	header := outerJWS.Signatures[0].Header
	if rolloverOperation.Account != header.KeyID {
		wfe.stats.joseErrorCount.With(prometheus.Labels{"type": "KeyRolloverMismatchedAccount"}).Inc()
		wfe.sendError(response, logEvent, probs.Malformed(
			"Inner key rollover request specified Account %q, but outer JWS has Key ID %q",
			rolloverOperation.Account, header.KeyID), nil)
		return
	}

	// Check that the new key isn't the same as the old key. This would fail
	// as part of the subsequent wfe.sa.GetRegistrationByKey check since the
	// new key will find the old account if its equal to the old account key.
	// We check new key against old key explicitly to save a DB query for
	// this easy rejection case
	if core.KeyDigestEquals(newKey.Key, oldKey.Key) {
		wfe.stats.joseErrorCount.With(prometheus.Labels{"type": "KeyRolloverUnchangedKey"}).Inc()
		wfe.sendError(response, logEvent, probs.Malformed(
			"New key specified by rollover request is the same as the old key"), nil)
		return
	}

	// Check that the new key isn't already being used for an existing account
	existingAcct, err := wfe.sa.GetRegistrationByKey(ctx, &newKey)
	if err == nil {
		response.Header().Set("Location",
			web.RelativeEndpoint(request, fmt.Sprintf("%s%d", acctPath, existingAcct.ID)))
		wfe.sendError(response, logEvent,
			probs.Conflict("New key is already in use for a different account"), err)
		return
	} else if !berrors.Is(err, berrors.NotFound) {
		wfe.sendError(response, logEvent, probs.ServerInternal("Failed to lookup existing keys"), err)
		return
	}

	// Update the account key to the new key
	updatedAcct, err := wfe.ra.UpdateRegistrationKey(ctx, *acct, &newKey)
	if err != nil {
		wfe.sendError(response, logEvent,
			web.ProblemDetailsForError(err, "Unable to update account with new key"), err)
		return
	}

	err = wfe.writeJsonResponse(response, logEvent, http.StatusOK, wfe.accountToJSON(request, updatedAcct))
	if err != nil {
		wfe.sendError(response, logEvent, probs.ServerInternal("Failed to marshal updated account"), err)
	}
}

type orderJSON struct {
	Status         core.AcmeStatus             `json:"status"`
	Expires        time.Time                   `json:"expires"`
	Identifiers    []identifier.ACMEIdentifier `json:"identifiers"`
	Authorizations []string                    `json:"authorizations"`
	Finalize       string                      `json:"finalize"`
	Certificate    string                      `json:"certificate,omitempty"`
	Error          *probs.ProblemDetails       `json:"error,omitempty"`
}

// orderToOrderJSON converts a core.Order instance into an orderJSON struct
// that is returned in HTTP API responses. It creates absolute URLs for the
// authorizations, the finalize URL, and the certificate URL as appropriate.
func (wfe *WebFrontEndImpl) orderToOrderJSON(request *http.Request, order core.Order) orderJSON {
	finalizeURL := web.RelativeEndpoint(request,
		fmt.Sprintf("%s%d/%d", finalizeOrderPath, order.RegistrationID, order.ID))
	respObj := orderJSON{
		Status:         order.Status,
		Expires:        order.Expires,
		Identifiers:    order.Identifiers,
		Authorizations: make([]string, 0, len(order.V2Authorizations)),
		Finalize:       finalizeURL,
	}
	// If there is an order error, prefix its type with the RFC 8555 error
	// namespace
	if order.Error != nil {
		prefixed := *order.Error
		if !strings.HasPrefix(string(prefixed.Type), probs.ErrorNS) {
			prefixed.Type = probs.ProblemType(probs.ErrorNS) + prefixed.Type
		}
		respObj.Error = &prefixed
	}
	for _, authzID := range order.V2Authorizations {
		respObj.Authorizations = append(respObj.Authorizations,
			web.RelativeEndpoint(request, fmt.Sprintf("%s%d", authzPath, authzID)))
	}
	if respObj.Status == core.StatusValid {
		certURL := web.RelativeEndpoint(request,
			fmt.Sprintf("%s%s", certPath, order.CertificateSerial))
		respObj.Certificate = certURL
	}
	return respObj
}

// NewOrder is used by clients to create a new order object from a set of
// identifiers.
func (wfe *WebFrontEndImpl) NewOrder(
	ctx context.Context,
	logEvent *web.RequestEvent,
	response http.ResponseWriter,
	request *http.Request) {
	body, _, acct, prob := wfe.validPOSTForAccount(request, ctx, logEvent)
	addRequesterHeader(response, logEvent.Requester)
	if prob != nil {
		// validPOSTForAccount handles its own setting of logEvent.Errors
		wfe.sendError(response, logEvent, prob, nil)
		return
	}

	// We only allow specifying Identifiers in a new order request - if the
	// `notBefore` and/or `notAfter` fields described in Section 7.4 of RFC
	// 8555 are sent we return a probs.Malformed as we do not support them
	var newOrderRequest struct {
		Identifiers         []identifier.ACMEIdentifier `json:"identifiers"`
		NotBefore, NotAfter string
	}
	err := json.Unmarshal(body, &newOrderRequest)
	if err != nil {
		wfe.sendError(response, logEvent,
			probs.Malformed("Unable to unmarshal NewOrder request body"), err)
		return
	}

	if len(newOrderRequest.Identifiers) == 0 {
		wfe.sendError(response, logEvent,
			probs.Malformed("NewOrder request did not specify any identifiers"), nil)
		return
	}
	if newOrderRequest.NotBefore != "" || newOrderRequest.NotAfter != "" {
		wfe.sendError(response, logEvent, probs.Malformed("NotBefore and NotAfter are not supported"), nil)
		return
	}

	for _, ident := range newOrderRequest.Identifiers {
		if ident.Type != identifier.DNS {
			wfe.sendError(response, logEvent,
				probs.UnsupportedIdentifier(
					"NewOrder request included unsupported identifier: type %q, value %q",
					ident.Type, ident.Value),
				nil)
			return
		}
		if ident.Value == "" {
			wfe.sendError(response, logEvent,
				probs.Malformed("NewOrder request included empty identifier"), nil)
			return
		}
	}

	order, err := wfe.ra.NewOrder(ctx, core.NewOrderRequest{
		RegistrationID: acct.ID,
		Identifiers:    newOrderRequest.Identifiers,
	})
	if err != nil {
		wfe.sendError(response, logEvent, web.ProblemDetailsForError(err, "Error creating new order"), err)
		return
	}
	logEvent.Created = fmt.Sprintf("%d", order.ID)

	orderURL := web.RelativeEndpoint(request,
		fmt.Sprintf("%s%d/%d", orderPath, acct.ID, order.ID))
	response.Header().Set("Location", orderURL)

	respObj := wfe.orderToOrderJSON(request, order)
	err = wfe.writeJsonResponse(response, logEvent, http.StatusCreated, respObj)
	if err != nil {
		wfe.sendError(response, logEvent, probs.ServerInternal("Error marshaling order"), err)
		return
	}
}

// orderFromPath parses an order URL path of the form
// "<account ID>/<order ID>" (prefix stripped), fetches the order, and checks
// that it belongs to the given account. A problem is returned when the path
// is malformed, the order does not exist, or the requester does not own it.
func (wfe *WebFrontEndImpl) orderFromPath(
	ctx context.Context,
	path string,
	acct *core.Registration) (core.Order, *probs.ProblemDetails) {
	var zero core.Order
	fields := strings.SplitN(path, "/", 2)
	if len(fields) != 2 {
		return zero, probs.NotFound("Invalid request path")
	}
	acctID, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return zero, probs.Malformed("Invalid account ID")
	}
	orderID, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return zero, probs.Malformed("Invalid order ID")
	}

	order, err := wfe.sa.GetOrder(ctx, orderID)
	if err != nil {
		if berrors.Is(err, berrors.NotFound) {
			return zero, probs.NotFound(fmt.Sprintf("No order for ID %d", orderID))
		}
		return zero, probs.ServerInternal(fmt.Sprintf("Failed to retrieve order for ID %d", orderID))
	}

	// If the order's registration doesn't match the requested account ID, or
	// the authenticated account, pretend the order doesn't exist.
	if order.RegistrationID != acctID || order.RegistrationID != acct.ID {
		return zero, probs.NotFound(fmt.Sprintf("No order found for account ID %d", acctID))
	}

	return order, nil
}

// GetOrder is used to retrieve an existing order object. It is reached by
// POST-as-GET only.
func (wfe *WebFrontEndImpl) GetOrder(ctx context.Context, logEvent *web.RequestEvent, response http.ResponseWriter, request *http.Request) {
	acct, prob := wfe.validPOSTAsGETForAccount(request, ctx, logEvent)
	addRequesterHeader(response, logEvent.Requester)
	if prob != nil {
		wfe.sendError(response, logEvent, prob, nil)
		return
	}

	order, prob := wfe.orderFromPath(ctx, request.URL.Path, acct)
	if prob != nil {
		wfe.sendError(response, logEvent, prob, nil)
		return
	}

	respObj := wfe.orderToOrderJSON(request, order)
	err := wfe.writeJsonResponse(response, logEvent, http.StatusOK, respObj)
	if err != nil {
		wfe.sendError(response, logEvent, probs.ServerInternal("Error marshaling order"), err)
		return
	}
}

// FinalizeOrder is used to request issuance for an existing order object.
// Most processing of the order details is handled by the RA but we do attempt
// to throw away requests with invalid CSRs here.
func (wfe *WebFrontEndImpl) FinalizeOrder(ctx context.Context, logEvent *web.RequestEvent, response http.ResponseWriter, request *http.Request) {
	// Validate the POST body signature and get the authenticated account for
	// this finalize order request
	body, _, acct, prob := wfe.validPOSTForAccount(request, ctx, logEvent)
	addRequesterHeader(response, logEvent.Requester)
	if prob != nil {
		wfe.sendError(response, logEvent, prob, nil)
		return
	}

	// Order URLs are like: /acme/finalize/<account>/<order>. The prefix is
	// stripped by the time we get here.
	order, prob := wfe.orderFromPath(ctx, request.URL.Path, acct)
	if prob != nil {
		wfe.sendError(response, logEvent, prob, nil)
		return
	}

	// If the order is expired we can not finalize it and must return an error
	if order.Expires.Before(wfe.clk.Now()) {
		wfe.sendError(response, logEvent,
			probs.NotFound(fmt.Sprintf("Order %d is expired", order.ID)), nil)
		return
	}

	// The authenticated finalize message body should be an encoded CSR
	var rawCSR struct {
		CSR core.JSONBuffer `json:"csr"`
	}
	err := json.Unmarshal(body, &rawCSR)
	if err != nil {
		wfe.sendError(response, logEvent,
			probs.Malformed("Error unmarshaling finalize order request"), err)
		return
	}

	// Check for a malformed CSR early to avoid unnecessary round trips
	csr, err := x509.ParseCertificateRequest(rawCSR.CSR)
	if err != nil {
		wfe.sendError(response, logEvent, probs.Malformed("Error parsing certificate request: %s", err), err)
		return
	}

	logEvent.Extra["CSRDNSNames"] = csr.DNSNames
	wfe.stats.csrSignatureAlgs.With(prometheus.Labels{"type": csr.SignatureAlgorithm.String()}).Inc()

	updatedOrder, err := wfe.ra.FinalizeOrder(ctx, order, csr)
	if err != nil {
		wfe.sendError(response, logEvent, web.ProblemDetailsForError(err, "Error finalizing order"), err)
		return
	}

	orderURL := web.RelativeEndpoint(request,
		fmt.Sprintf("%s%d/%d", orderPath, acct.ID, updatedOrder.ID))
	response.Header().Set("Location", orderURL)

	respObj := wfe.orderToOrderJSON(request, updatedOrder)
	err = wfe.writeJsonResponse(response, logEvent, http.StatusOK, respObj)
	if err != nil {
		wfe.sendError(response, logEvent, probs.ServerInternal("Unable to write finalize order response"), err)
		return
	}
}
