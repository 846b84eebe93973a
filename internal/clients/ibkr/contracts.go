package ibkr

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/rs/zerolog"

	"github.com/quantfold/openrange/internal/clients/ibkr/sdk"
)

const secdefSearchEndpoint = "/iserver/secdef/search"

// ContractReference is a resolved ticker → contract-id mapping.
type ContractReference struct {
	Ticker   string
	ConID    int64
	Exchange string
	SecType  string
}

type contractKey struct {
	ticker   string
	exchange string
	secType  string
}

// resolveCall is the in-flight promise for one cache key, so concurrent
// resolutions of the same ticker issue a single search call.
type resolveCall struct {
	done chan struct{}
	ref  *ContractReference
	err  error
}

// ContractResolver maps ticker symbols to the broker's internal contract
// identifiers. The cache is append-only for the process lifetime: a key is
// never silently overwritten with a different id.
type ContractResolver struct {
	exec *sdk.Client
	log  zerolog.Logger

	mu       sync.Mutex
	cache    map[contractKey]*ContractReference
	inflight map[contractKey]*resolveCall
}

// NewContractResolver creates an empty resolver backed by the executor.
func NewContractResolver(exec *sdk.Client, log zerolog.Logger) *ContractResolver {
	return &ContractResolver{
		exec:     exec,
		log:      log.With().Str("component", "ibkr-contracts").Logger(),
		cache:    make(map[contractKey]*ContractReference),
		inflight: make(map[contractKey]*resolveCall),
	}
}

// Resolve returns the contract id for (ticker, exchange, secType),
// querying the contract-search endpoint on first use and caching the
// result for the process lifetime.
func (r *ContractResolver) Resolve(ctx context.Context, ticker, exchange, secType string) (*ContractReference, error) {
	key := contractKey{ticker: ticker, exchange: exchange, secType: secType}

	r.mu.Lock()
	if ref, ok := r.cache[key]; ok {
		r.mu.Unlock()
		return ref, nil
	}
	call, running := r.inflight[key]
	if !running {
		call = &resolveCall{done: make(chan struct{})}
		r.inflight[key] = call
	}
	r.mu.Unlock()

	if running {
		select {
		case <-call.done:
			return call.ref, call.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	ref, err := r.lookup(ctx, ticker, exchange, secType)

	r.mu.Lock()
	delete(r.inflight, key)
	if err == nil {
		r.cache[key] = ref
	}
	r.mu.Unlock()

	call.ref = ref
	call.err = err
	close(call.done)
	return ref, err
}

// lookup queries the search endpoint and filters candidates by exact
// exchange and security-type match.
func (r *ContractResolver) lookup(ctx context.Context, ticker, exchange, secType string) (*ContractReference, error) {
	query := url.Values{
		"symbol":  {ticker},
		"secType": {secType},
	}

	var results []sdk.SecdefResult
	if err := r.exec.Execute(ctx, http.MethodGet, secdefSearchEndpoint, query, nil, &results); err != nil {
		return nil, fmt.Errorf("contract search for %s failed: %w", ticker, err)
	}

	for _, res := range results {
		if !matchesContract(res, exchange, secType) {
			continue
		}
		conid, err := res.Conid.Int64()
		if err != nil {
			continue
		}
		ref := &ContractReference{
			Ticker:   ticker,
			ConID:    conid,
			Exchange: exchange,
			SecType:  secType,
		}
		r.log.Debug().
			Str("ticker", ticker).
			Str("exchange", exchange).
			Str("sec_type", secType).
			Int64("conid", conid).
			Msg("Resolved contract")
		return ref, nil
	}

	return nil, &sdk.ClientError{
		Endpoint:   secdefSearchEndpoint,
		StatusCode: http.StatusNotFound,
		Body:       fmt.Sprintf("no contract matches %s on %s (%s)", ticker, exchange, secType),
	}
}

// matchesContract accepts a candidate whose top-level description (the
// listing exchange) and security type match, or that carries a matching
// (secType, exchange) section.
func matchesContract(res sdk.SecdefResult, exchange, secType string) bool {
	if res.SecType == secType && res.Description == exchange {
		return true
	}
	for _, s := range res.Sections {
		if s.SecType == secType && s.Exchange == exchange {
			return true
		}
	}
	return false
}
