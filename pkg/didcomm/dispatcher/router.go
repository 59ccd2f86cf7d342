/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package dispatcher routes typed protocol messages to registered handlers.
package dispatcher

import (
	"fmt"
	"strings"
	"sync"
	"unicode"

	"github.com/hyperledger/aries-framework-go/component/log"
	"github.com/pkg/errors"

	"github.com/credmesh/agent-go/pkg/didcomm/service"
)

var logger = log.New("agent-go/dispatcher")

var (
	// ErrMissingType is returned when a routed message carries no `@type`.
	ErrMissingType = errors.New("message type is required for routing")
	// ErrHandlerNotFound is returned when no handler is registered for a
	// message's protocol and type.
	ErrHandlerNotFound = errors.New("no handler registered")
)

// Metadata carries the sender, recipient and thread extracted from a routed
// message.
type Metadata struct {
	From     string
	To       string
	ThreadID string
}

// Handler processes one plaintext protocol message.
type Handler func(msg service.Msg, md Metadata) (interface{}, error)

// Route is a handler registration record. Protocol includes the version
// ("issue-credential/3.0"); MessageType is the message kind within it
// ("offer-credential").
type Route struct {
	Protocol    string
	MessageType string
	Handler     Handler
	Description string
}

// Outcome is the per-message result of RouteMany. Exactly one of Result and
// Error is meaningful, selected by Success.
type Outcome struct {
	Success bool
	Result  interface{}
	Error   string
}

// Router dispatches protocol messages to registered handlers. The registry is
// keyed by (protocol, messageType); re-registration overwrites silently.
type Router struct {
	routes map[string]Route
	lock   sync.RWMutex
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{routes: make(map[string]Route)}
}

// Register inserts or overwrites the route for its (protocol, messageType).
func (r *Router) Register(route Route) error {
	if route.Protocol == "" || route.MessageType == "" {
		return errors.New("route protocol and message type are required")
	}

	if route.Handler == nil {
		return errors.New("route handler is required")
	}

	r.lock.Lock()
	r.routes[routeKey(route.Protocol, route.MessageType)] = route
	r.lock.Unlock()

	logger.Debugf("registered handler for %s/%s", route.Protocol, route.MessageType)

	return nil
}

// Unregister removes the route and reports whether one existed.
func (r *Router) Unregister(protocol, messageType string) bool {
	r.lock.Lock()
	defer r.lock.Unlock()

	key := routeKey(protocol, messageType)

	_, ok := r.routes[key]
	if ok {
		delete(r.routes, key)
	}

	return ok
}

// Routes returns the registered routes in no particular order.
func (r *Router) Routes() []Route {
	r.lock.RLock()
	defer r.lock.RUnlock()

	routes := make([]Route, 0, len(r.routes))

	for _, route := range r.routes {
		routes = append(routes, route)
	}

	return routes
}

// ParseMessageType extracts protocol, version and message type from a type
// URI whose path ends in <protocol>/<version>/<type>. A malformed URI yields
// empty strings; bad input is a data condition, not a router fault.
func ParseMessageType(typeURI string) (protocol, version, msgType string) {
	trimmed := strings.Trim(typeURI, "/")

	segments := strings.Split(trimmed, "/")
	if len(segments) < 3 {
		return "", "", ""
	}

	protocol = segments[len(segments)-3]
	version = segments[len(segments)-2]
	msgType = segments[len(segments)-1]

	if protocol == "" || msgType == "" || !looksLikeVersion(version) {
		return "", "", ""
	}

	// the protocol segment must not be a URI scheme or host remnant
	if strings.Contains(protocol, ":") {
		return "", "", ""
	}

	return protocol, version, msgType
}

// Route dispatches one message to its registered handler and returns the
// handler's result.
func (r *Router) Route(msg service.Msg) (interface{}, error) {
	typeURI := msg.Type()
	if typeURI == "" {
		return nil, ErrMissingType
	}

	protocol, version, msgType := ParseMessageType(typeURI)
	if protocol == "" {
		return nil, fmt.Errorf("%w for message type %q", ErrHandlerNotFound, typeURI)
	}

	r.lock.RLock()
	route, ok := r.routes[routeKey(protocol+"/"+version, msgType)]
	r.lock.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w for %s/%s/%s", ErrHandlerNotFound, protocol, version, msgType)
	}

	md := Metadata{
		From:     msg.From(),
		ThreadID: msg.ThreadID(),
	}

	if to := msg.To(); len(to) > 0 {
		md.To = to[0]
	}

	return route.Handler(msg, md)
}

// RouteMany dispatches each message independently, preserving input order.
// One message's failure never prevents the others from being handled.
func (r *Router) RouteMany(msgs []service.Msg) []Outcome {
	outcomes := make([]Outcome, len(msgs))

	for i, msg := range msgs {
		result, err := r.routeSafe(msg)
		if err != nil {
			outcomes[i] = Outcome{Error: err.Error()}

			logger.Warnf("message %d of %d failed: %s", i+1, len(msgs), err)

			continue
		}

		outcomes[i] = Outcome{Success: true, Result: result}
	}

	return outcomes
}

// routeSafe converts a handler panic into an error so that a misbehaving
// handler cannot take down a batch.
func (r *Router) routeSafe(msg service.Msg) (result interface{}, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()

	return r.Route(msg)
}

func routeKey(protocol, messageType string) string {
	return protocol + "/" + messageType
}

// looksLikeVersion accepts version segments of the form used in DIDComm type
// URIs: a leading digit, e.g. "1.0", "3.0", "2".
func looksLikeVersion(s string) bool {
	if s == "" {
		return false
	}

	return unicode.IsDigit(rune(s[0]))
}
