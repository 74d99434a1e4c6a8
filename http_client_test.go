package beacon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/require"

	"github.com/beaconhq/go-client-sdk/api"
	"github.com/beaconhq/go-client-sdk/storage"
)

const (
	test_alertsPath = "/v1/alerts"
	test_alertsURL  = test_apiURI + test_alertsPath
	test_refreshURL = test_apiURI + defaultRefreshPath
	test_meURL      = test_apiURI + defaultIdentityPath
)

var test_credentials = api.CredentialPair{AccessToken: "access-1", RefreshToken: "refresh-1"}

type httpFixture struct {
	client *HTTPClient
	auth   *AuthCoordinator
	mock   *httpmock.MockTransport
	store  *storage.MemoryStore
}

func newHTTPFixture(t *testing.T, options *Options, pair api.CredentialPair) *httpFixture {
	httpClient, mock := newMockHTTPClient()
	options.OverrideHTTPClient = httpClient
	cfg := NewConfiguration(options)

	store := storage.NewMemoryStore()
	require.NoError(t, store.Save(context.Background(), pair))
	auth, err := NewAuthCoordinator(context.Background(), options, cfg, store)
	require.NoError(t, err)
	t.Cleanup(auth.Close)

	return &httpFixture{
		client: NewHTTPClient(options, cfg, auth),
		auth:   auth,
		mock:   mock,
		store:  store,
	}
}

func (f *httpFixture) calls(method, url string) int {
	return f.mock.GetCallCountInfo()[method+" "+url]
}

func refreshResponder(access, refresh string) httpmock.Responder {
	return httpmock.NewStringResponder(200, fmt.Sprintf(`{"accessToken":%q,"refreshToken":%q}`, access, refresh))
}

// bearerResponder answers 200 with body for the given token and 401 otherwise.
func bearerResponder(token, body string) httpmock.Responder {
	return func(req *http.Request) (*http.Response, error) {
		if req.Header.Get("Authorization") != "Bearer "+token {
			return httpmock.NewStringResponse(401, `{"message":"token expired"}`), nil
		}
		return httpmock.NewStringResponse(200, body), nil
	}
}

func TestHTTPClient_Get(t *testing.T) {
	f := newHTTPFixture(t, testOptions(), test_credentials)
	f.mock.RegisterResponder("GET", test_alertsURL, func(req *http.Request) (*http.Response, error) {
		require.Equal(t, "Bearer access-1", req.Header.Get("Authorization"))
		require.NotEmpty(t, req.Header.Get("X-Request-ID"))
		require.True(t, strings.HasPrefix(req.Header.Get("User-Agent"), "Beacon-Client-SDK/"))
		resp := httpmock.NewStringResponse(200, `[{"id":"a-1"},{"id":"a-2"}]`)
		resp.Header.Set("Content-Type", "application/json")
		return resp, nil
	})

	var alerts []struct {
		ID string `json:"id"`
	}
	require.NoError(t, f.client.Get(context.Background(), test_alertsPath, &alerts))
	require.Len(t, alerts, 2)
	require.Equal(t, "a-2", alerts[1].ID)
}

func TestHTTPClient_PostSendsJSONBody(t *testing.T) {
	f := newHTTPFixture(t, testOptions(), test_credentials)
	f.mock.RegisterResponder("POST", test_alertsURL, func(req *http.Request) (*http.Response, error) {
		require.Equal(t, "application/json", req.Header.Get("Content-Type"))
		var body map[string]string
		require.NoError(t, decodeRequestBody(req, &body))
		require.Equal(t, "ack", body["action"])
		return httpmock.NewStringResponse(201, `{"ok":true}`), nil
	})

	var out struct {
		OK bool `json:"ok"`
	}
	require.NoError(t, f.client.Post(context.Background(), test_alertsPath, map[string]string{"action": "ack"}, &out))
	require.True(t, out.OK)
}

func TestHTTPClient_UnauthorizedRefreshesAndRetriesOnce(t *testing.T) {
	f := newHTTPFixture(t, testOptions(), test_credentials)
	f.mock.RegisterResponder("GET", test_alertsURL, bearerResponder("access-2", `[]`))
	f.mock.RegisterResponder("POST", test_refreshURL, func(req *http.Request) (*http.Response, error) {
		var body api.RefreshRequest
		require.NoError(t, decodeRequestBody(req, &body))
		require.Equal(t, "refresh-1", body.RefreshToken)
		return refreshResponder("access-2", "refresh-2")(req)
	})

	require.NoError(t, f.client.Get(context.Background(), test_alertsPath, nil))
	require.Equal(t, 2, f.calls("GET", test_alertsURL))
	require.Equal(t, 1, f.calls("POST", test_refreshURL))

	stored, err := f.store.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, api.CredentialPair{AccessToken: "access-2", RefreshToken: "refresh-2"}, stored)
	require.Equal(t, AuthAuthenticated, f.auth.State())
}

func TestHTTPClient_SecondUnauthorizedIsReturned(t *testing.T) {
	f := newHTTPFixture(t, testOptions(), test_credentials)
	f.mock.RegisterResponder("GET", test_alertsURL, httpmock.NewStringResponder(401, `{"message":"forbidden for you"}`))
	f.mock.RegisterResponder("POST", test_refreshURL, refreshResponder("access-2", "refresh-2"))

	err := f.client.Get(context.Background(), test_alertsPath, nil)
	require.True(t, IsUnauthorized(err))

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, 401, apiErr.Status)
	require.Equal(t, "forbidden for you", apiErr.Message)
	require.Equal(t, 2, f.calls("GET", test_alertsURL))
	require.Equal(t, 1, f.calls("POST", test_refreshURL))
}

func TestHTTPClient_FailedRefreshClearsCredentials(t *testing.T) {
	events := make(chan api.ClientEvent, 16)
	options := testOptions()
	options.ClientEventHandler = events
	f := newHTTPFixture(t, options, test_credentials)
	f.mock.RegisterResponder("GET", test_alertsURL, httpmock.NewStringResponder(401, `{}`))
	f.mock.RegisterResponder("POST", test_refreshURL, httpmock.NewStringResponder(401, `{"message":"refresh token revoked"}`))

	var signedOut atomic.Bool
	f.auth.OnUnauthenticated(func() { signedOut.Store(true) })

	err := f.client.Get(context.Background(), test_alertsPath, nil)
	require.True(t, IsUnauthorized(err))
	require.Equal(t, 1, f.calls("GET", test_alertsURL))

	stored, err := f.store.Load(context.Background())
	require.NoError(t, err)
	require.True(t, stored.IsEmpty())
	require.Empty(t, f.auth.AccessToken())
	require.Equal(t, AuthUnauthenticated, f.auth.State())
	require.True(t, signedOut.Load())

	select {
	case ev := <-events:
		require.Equal(t, api.ClientEventType_Unauthenticated, ev.EventType)
	default:
		t.Fatal("expected an unauthenticated client event")
	}
}

func TestHTTPClient_IdentityCheckWithoutRefreshToken(t *testing.T) {
	f := newHTTPFixture(t, testOptions(), api.CredentialPair{AccessToken: "access-only"})
	var resourceCalls atomic.Int32
	f.mock.RegisterResponder("GET", test_alertsURL, func(req *http.Request) (*http.Response, error) {
		if resourceCalls.Add(1) == 1 {
			return httpmock.NewStringResponse(401, `{}`), nil
		}
		return httpmock.NewStringResponse(200, `[]`), nil
	})
	f.mock.RegisterResponder("GET", test_meURL, bearerResponder("access-only", `{"id":"u-1"}`))

	require.NoError(t, f.client.Get(context.Background(), test_alertsPath, nil))
	require.Equal(t, 1, f.calls("GET", test_meURL))
	require.Equal(t, 0, f.calls("POST", test_refreshURL))
	require.Equal(t, "access-only", f.auth.AccessToken())
}

func TestHTTPClient_TransientFailureSurfacedAfterMaxRetries(t *testing.T) {
	options := testOptions()
	options.MaxRetries = 3
	f := newHTTPFixture(t, options, test_credentials)
	f.mock.RegisterResponder("GET", test_alertsURL, httpmock.NewStringResponder(503, `{"message":"maintenance"}`))

	err := f.client.Get(context.Background(), test_alertsPath, nil)
	require.True(t, IsTransient(err))

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, CodeServerError, apiErr.Code)
	require.Equal(t, 503, apiErr.Status)
	require.Equal(t, options.MaxRetries+1, f.calls("GET", test_alertsURL))

	require.Equal(t, 0, f.client.Retries().Attempts("GET", test_alertsPath))
	require.Equal(t, 0, f.client.Retries().Len())
}

func TestHTTPClient_TransientFailureRecovers(t *testing.T) {
	f := newHTTPFixture(t, testOptions(), test_credentials)
	var calls atomic.Int32
	f.mock.RegisterResponder("GET", test_alertsURL, func(req *http.Request) (*http.Response, error) {
		if calls.Add(1) <= 2 {
			return httpmock.NewStringResponse(502, ``), nil
		}
		return httpmock.NewStringResponse(200, `{"count":3}`), nil
	})

	var out struct {
		Count int `json:"count"`
	}
	require.NoError(t, f.client.Get(context.Background(), test_alertsPath, &out))
	require.Equal(t, 3, out.Count)
	require.Equal(t, 3, f.calls("GET", test_alertsURL))
	require.Equal(t, 0, f.client.Retries().Len())
}

func TestHTTPClient_NetworkErrorsAreRetried(t *testing.T) {
	f := newHTTPFixture(t, testOptions(), test_credentials)
	f.mock.RegisterResponder("GET", test_alertsURL, httpmock.NewErrorResponder(errors.New("connection reset by peer")))

	err := f.client.Get(context.Background(), test_alertsPath, nil)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, CodeNetworkError, apiErr.Code)
	require.True(t, IsTransient(err))
	require.Equal(t, defaultMaxRetries+1, f.calls("GET", test_alertsURL))
}

func TestHTTPClient_ClientErrorsAreNotRetried(t *testing.T) {
	f := newHTTPFixture(t, testOptions(), test_credentials)
	f.mock.RegisterResponder("DELETE", test_alertsURL+"/a-404", httpmock.NewStringResponder(404, `{"message":"alert not found"}`))

	err := f.client.Delete(context.Background(), test_alertsPath+"/a-404", nil)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, CodeClientError, apiErr.Code)
	require.Equal(t, "alert not found", apiErr.Message)
	require.False(t, IsTransient(err))
	require.Equal(t, 1, f.calls("DELETE", test_alertsURL+"/a-404"))
}

func TestHTTPClient_ConcurrentUnauthorizedShareOneRefresh(t *testing.T) {
	f := newHTTPFixture(t, testOptions(), test_credentials)
	const callers = 5
	for i := 0; i < callers; i++ {
		f.mock.RegisterResponder("GET", fmt.Sprintf("%s/%d", test_alertsURL, i), bearerResponder("access-2", `{}`))
	}
	f.mock.RegisterResponder("POST", test_refreshURL, func(req *http.Request) (*http.Response, error) {
		time.Sleep(50 * time.Millisecond)
		return refreshResponder("access-2", "refresh-2")(req)
	})

	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- f.client.Get(context.Background(), fmt.Sprintf("%s/%d", test_alertsPath, i), nil)
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, 1, f.calls("POST", test_refreshURL))
}

func TestHTTPClient_SameIdentityIsSerialized(t *testing.T) {
	f := newHTTPFixture(t, testOptions(), test_credentials)
	var inFlight, maxInFlight atomic.Int32
	f.mock.RegisterResponder("GET", test_alertsURL, func(req *http.Request) (*http.Response, error) {
		n := inFlight.Add(1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
		return httpmock.NewStringResponse(200, `[]`), nil
	})

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- f.client.Get(context.Background(), test_alertsPath, nil)
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, int32(1), maxInFlight.Load())
	require.Equal(t, 4, f.calls("GET", test_alertsURL))
}

func TestHTTPClient_ContextCanceledDuringBackoff(t *testing.T) {
	options := testOptions()
	options.RetryBaseDelay = time.Hour
	f := newHTTPFixture(t, options, test_credentials)
	f.mock.RegisterResponder("GET", test_alertsURL, httpmock.NewStringResponder(500, ``))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := f.client.Get(ctx, test_alertsPath, nil)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, CodeCanceled, apiErr.Code)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, 1, f.calls("GET", test_alertsURL))
}

func TestHTTPClient_DecodeError(t *testing.T) {
	f := newHTTPFixture(t, testOptions(), test_credentials)
	f.mock.RegisterResponder("GET", test_alertsURL, httpmock.NewStringResponder(200, `{"count":`))

	var out map[string]int
	err := f.client.Get(context.Background(), test_alertsPath, &out)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, CodeDecodeError, apiErr.Code)
	require.Equal(t, 1, f.calls("GET", test_alertsURL))
}
