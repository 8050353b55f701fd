package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nulpointcorp/keygate/internal/channel"
)

type stubForwarder struct {
	family channel.Family
	calls  int
}

func (s *stubForwarder) Family() channel.Family { return s.family }

func (s *stubForwarder) Forward(_ context.Context, ch channel.Channel, req *Request) (*Response, error) {
	s.calls++
	return &Response{ID: ch.ID, Model: req.Model}, nil
}

func (s *stubForwarder) HealthCheck(context.Context, channel.Channel) error { return nil }

func TestRegistry(t *testing.T) {
	oa := &stubForwarder{family: channel.FamilyOpenAI}
	r := NewRegistry(oa)

	resp, err := r.Forward(context.Background(), channel.Channel{ID: "c1", Family: channel.FamilyOpenAI}, &Request{Model: "m"})
	if err != nil || resp.ID != "c1" || oa.calls != 1 {
		t.Fatalf("resp = %+v, err = %v", resp, err)
	}
	if _, err := r.For(channel.FamilyGemini); err == nil {
		t.Error("expected error for unregistered family")
	}
	if err := r.HealthCheck(context.Background(), channel.Channel{Family: channel.FamilyAnthropic}); err == nil {
		t.Error("expected error for unregistered family")
	}
}

func TestRequestValidate(t *testing.T) {
	ok := Request{Model: "m", Messages: []Message{{Role: "user", Content: "hi"}}}
	if err := ok.Validate(); err != nil {
		t.Fatal(err)
	}

	noModel := ok
	noModel.Model = ""
	stream := ok
	stream.Stream = true
	empty := ok
	empty.Messages = nil

	for _, r := range []Request{noModel, stream, empty} {
		if err := r.Validate(); err == nil {
			t.Errorf("expected error for %+v", r)
		}
	}
	if err := stream.Validate(); !errors.Is(err, ErrStreamingUnsupported) {
		t.Errorf("stream err = %v", err)
	}
}

func TestCountsAgainstChannel(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{context.Canceled, false},
		{context.DeadlineExceeded, true},
		{errors.New("connection reset"), true},
		{&ProviderError{StatusCode: 500}, true},
		{&ProviderError{StatusCode: 503}, true},
		{&ProviderError{StatusCode: 429}, true},
		{&ProviderError{StatusCode: 401}, true},
		{&ProviderError{StatusCode: 400}, false},
		{&ProviderError{StatusCode: 404}, false},
		{fmt.Errorf("wrapped: %w", &ProviderError{StatusCode: 502}), true},
	}
	for _, tc := range cases {
		if got := CountsAgainstChannel(tc.err); got != tc.want {
			t.Errorf("%v: got %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestClientCache(t *testing.T) {
	builds := 0
	c := NewClientCache(func(ch channel.Channel) (string, error) {
		builds++
		if ch.Credential == "" {
			return "", errors.New("no credential")
		}
		return ch.ID + ":" + ch.Credential, nil
	})

	ch := channel.Channel{ID: "c1", Credential: "a"}
	for i := 0; i < 3; i++ {
		if got, _ := c.Get(ch); got != "c1:a" {
			t.Fatalf("got %q", got)
		}
	}
	if builds != 1 {
		t.Errorf("builds = %d", builds)
	}

	ch.Credential = "b"
	if got, _ := c.Get(ch); got != "c1:b" || builds != 2 {
		t.Errorf("rotation: got %q after %d builds", got, builds)
	}

	ch.BaseURL = "http://other"
	_, _ = c.Get(ch)
	if builds != 3 || c.Len() != 1 {
		t.Errorf("builds = %d, len = %d", builds, c.Len())
	}

	if _, err := c.Get(channel.Channel{ID: "c2"}); err == nil {
		t.Error("expected build error")
	}
}

func TestBaseURLTransport(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
	}))
	defer srv.Close()

	client := &http.Client{Transport: NewBaseURLTransport(http.DefaultTransport, srv.URL+"/proxy")}
	resp, err := client.Get("https://api.example.com/v1/models")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if gotPath != "/proxy/v1/models" {
		t.Errorf("path = %q", gotPath)
	}

	if rt := NewBaseURLTransport(http.DefaultTransport, "::bad"); rt != http.DefaultTransport {
		t.Error("invalid base URL should fall back to the next transport")
	}
}
