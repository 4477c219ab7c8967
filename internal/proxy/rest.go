package proxy

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/trac-platform/gateway/internal/config"
	"github.com/trac-platform/gateway/internal/errors"
	"github.com/trac-platform/gateway/internal/logging"
	"github.com/trac-platform/gateway/internal/metrics"
	"github.com/trac-platform/gateway/internal/routing"
)

// RESTEngine translates JSON-over-HTTP requests into unary gRPC calls.
// Each REST route declares method bindings: an HTTP verb plus a path
// template mapping to one RPC method, with path parameters merged into the
// JSON request message.
type RESTEngine struct {
	pool     *GRPCPool
	routers  map[string]*httprouter.Router
	maxBody  int64
	timeout  time.Duration
	metrics  *metrics.Collector
}

// NewRESTEngine builds the transcoder on a shared backend pool.
func NewRESTEngine(pool *GRPCPool, maxBody int64, timeout time.Duration, collector *metrics.Collector) *RESTEngine {
	if maxBody <= 0 {
		maxBody = DefaultRESTMaxBody
	}
	return &RESTEngine{
		pool:    pool,
		routers: make(map[string]*httprouter.Router),
		maxBody: maxBody,
		timeout: timeout,
		metrics: collector,
	}
}

// DefaultRESTMaxBody caps transcoded request bodies.
const DefaultRESTMaxBody = 3 * 1024 * 1024

// Register compiles a route's method bindings into a path matcher. Called
// once per REST route at startup; Serve only reads the resulting routers.
func (e *RESTEngine) Register(route *routing.Route) error {
	router := httprouter.New()
	router.RedirectTrailingSlash = false
	router.RedirectFixedPath = false
	router.HandleMethodNotAllowed = true
	router.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		errors.ErrNotFound.WriteJSON(w)
	})
	router.MethodNotAllowed = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		errors.ErrBadRequest.WithDetails("method not bound for path").WriteJSON(w)
	})

	for _, rm := range route.RestMethods {
		binding := rm
		router.Handle(strings.ToUpper(rm.HTTPMethod), rm.PathTemplate,
			func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
				e.invoke(w, r, route, binding, params)
			})
	}

	e.routers[route.Name] = router
	return nil
}

// Serve dispatches one REST request through the route's bindings.
func (e *RESTEngine) Serve(w http.ResponseWriter, r *http.Request, route *routing.Route) {
	if !acceptsJSON(r) {
		errors.ErrProtocolNotAcceptable.WriteJSON(w)
		return
	}
	router, ok := e.routers[route.Name]
	if !ok {
		errors.ErrNotFound.WriteJSON(w)
		return
	}

	// Bindings are declared relative to the route prefix.
	relative := strings.TrimPrefix(r.URL.Path, strings.TrimSuffix(route.Prefix, "/"))
	if relative == "" {
		relative = "/"
	}
	shadow := r.Clone(r.Context())
	shadow.URL.Path = relative
	router.ServeHTTP(w, shadow)
}

func (e *RESTEngine) invoke(w http.ResponseWriter, r *http.Request, route *routing.Route,
	binding config.RestMethodConfig, params httprouter.Params) {

	message, gerr := e.buildMessage(r, binding, params)
	if gerr != nil {
		gerr.WriteJSON(w)
		return
	}

	ctx, cancel := timeoutContext(r.Context(), e.timeout)
	defer cancel()

	conn, err := e.pool.Get(ctx, route.Target.Addr())
	if err != nil {
		logging.Errorf("route %s: %v", route.Name, err)
		if e.metrics != nil {
			e.metrics.BackendError(route.Name, "unreachable")
		}
		errors.ErrBadGateway.WriteJSON(w)
		return
	}

	var reply RawMessage
	err = conn.Invoke(ctx, binding.RPCMethod, &RawMessage{Data: message}, &reply,
		grpc.ForceCodec(JSONCodec{}))
	if err != nil {
		e.writeStatusError(w, route, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(reply.Data)
}

// buildMessage assembles the JSON request message: the body (whole message,
// or nested under the binding's body field), then path parameters, then
// query parameters. Path parameters win on collision.
func (e *RESTEngine) buildMessage(r *http.Request, binding config.RestMethodConfig,
	params httprouter.Params) ([]byte, *errors.GatewayError) {

	message := make(map[string]interface{})

	body, err := io.ReadAll(io.LimitReader(r.Body, e.maxBody+1))
	if err != nil {
		return nil, errors.ErrBadRequest.WithDetails(err.Error())
	}
	if int64(len(body)) > e.maxBody {
		return nil, errors.ErrContentTooLarge
	}

	if len(body) > 0 {
		switch binding.BodyField {
		case "", "*":
			if err := json.Unmarshal(body, &message); err != nil {
				return nil, errors.ErrBadRequest.WithDetails("request body is not valid JSON")
			}
		default:
			var field interface{}
			if err := json.Unmarshal(body, &field); err != nil {
				return nil, errors.ErrBadRequest.WithDetails("request body is not valid JSON")
			}
			message[binding.BodyField] = field
		}
	}

	for name, vals := range r.URL.Query() {
		if len(vals) == 1 {
			message[name] = vals[0]
		} else {
			message[name] = vals
		}
	}
	for _, p := range params {
		message[p.Key] = p.Value
	}

	out, err := json.Marshal(message)
	if err != nil {
		return nil, errors.ErrBadRequest.WithDetails(err.Error())
	}
	return out, nil
}

func (e *RESTEngine) writeStatusError(w http.ResponseWriter, route *routing.Route, err error) {
	st := status.Convert(err)
	gerr := grpcStatusError(st.Code())
	if st.Message() != "" {
		gerr = gerr.WithDetails(st.Message())
	}
	if e.metrics != nil {
		e.metrics.BackendError(route.Name, st.Code().String())
	}
	gerr.WriteJSON(w)
}

// grpcStatusError maps backend status codes onto client-facing HTTP errors.
func grpcStatusError(code codes.Code) *errors.GatewayError {
	switch code {
	case codes.InvalidArgument, codes.OutOfRange, codes.FailedPrecondition:
		return errors.ErrBadRequest
	case codes.NotFound:
		return errors.ErrNotFound
	case codes.Unauthenticated:
		return errors.ErrUnauthorized
	case codes.PermissionDenied:
		return errors.ErrForbidden
	case codes.DeadlineExceeded:
		return errors.ErrGatewayTimeout
	case codes.ResourceExhausted:
		return errors.ErrServiceOverloaded
	default:
		return errors.ErrBadGateway
	}
}

func acceptsJSON(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	if accept == "" {
		return true
	}
	for _, part := range strings.Split(accept, ",") {
		mt := strings.TrimSpace(strings.SplitN(part, ";", 2)[0])
		switch mt {
		case "*/*", "application/*", "application/json":
			return true
		}
	}
	return false
}
