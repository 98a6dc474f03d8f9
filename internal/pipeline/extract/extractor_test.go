package extract

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"golang.org/x/crypto/bcrypt"

	"userpipe/internal/pipeline"
	"userpipe/internal/pipeline/source"
	"userpipe/internal/platform/logger"
)

const janeDoe = `{
  "results": [{
    "name": {"title": "Ms", "first": "Jane", "last": "Doe"},
    "location": {"city": "Springfield", "country": "US"},
    "login": {"uuid": "7a1f", "username": "jdoe", "password": "x"},
    "email": "jane@example.com"
  }]
}`

type fetchFunc func(ctx context.Context) ([]byte, error)

func (f fetchFunc) Fetch(ctx context.Context) ([]byte, error) { return f(ctx) }

func returning(body string) fetchFunc {
	return func(context.Context) ([]byte, error) { return []byte(body), nil }
}

type ExtractorSuite struct {
	suite.Suite
}

func TestExtractorSuite(t *testing.T) {
	suite.Run(t, new(ExtractorSuite))
}

func (s *ExtractorSuite) newExtractor(f Fetcher) *Extractor {
	e, err := New(f, WithHashCost(bcrypt.MinCost), WithLogger(logger.Discard()))
	s.Require().NoError(err)
	return e
}

func (s *ExtractorSuite) requireReason(err error, reason pipeline.Reason) {
	s.Require().Error(err)
	s.Equal(pipeline.FailureExtraction, pipeline.FailureOf(err))
	s.Equal(reason, pipeline.ReasonOf(err))
	s.True(pipeline.IsRetryable(err))
}

func (s *ExtractorSuite) TestNew() {
	_, err := New(nil)
	s.ErrorContains(err, "fetcher is required")
}

func (s *ExtractorSuite) TestExtract() {
	ctx := context.Background()

	s.Run("maps source fields onto the canonical record", func() {
		rec, err := s.newExtractor(returning(janeDoe)).Extract(ctx)
		s.Require().NoError(err)

		s.Equal("Jane", rec.FirstName)
		s.Equal("Doe", rec.LastName)
		s.Equal("US", rec.Country)
		s.Equal("jdoe", rec.Username)
		s.NoError(bcrypt.CompareHashAndPassword([]byte(rec.Password), []byte("x")), "password is stored as a bcrypt hash")
		s.Empty(rec.MissingFields())
	})

	s.Run("accepts a bare user object and trims whitespace", func() {
		body := `{"name":{"first":" Ana ","last":"Lima"},"location":{"country":"BR"},"login":{"username":"alima","password":"pw"}}`
		rec, err := s.newExtractor(returning(body)).Extract(ctx)
		s.Require().NoError(err)
		s.Equal("Ana", rec.FirstName)
		s.Equal("alima", rec.Key())
	})

	s.Run("missing country is malformed, never blank", func() {
		body := `{"results":[{"name":{"first":"Jane","last":"Doe"},"location":{},"login":{"username":"jdoe","password":"x"}}]}`
		rec, err := s.newExtractor(returning(body)).Extract(ctx)
		s.requireReason(err, pipeline.ReasonMalformed)
		s.ErrorContains(err, "country")
		s.Equal(pipeline.CanonicalRecord{}, rec)
	})

	s.Run("whitespace-only field is malformed", func() {
		body := `{"name":{"first":"   ","last":"Doe"},"location":{"country":"US"},"login":{"username":"jdoe","password":"x"}}`
		_, err := s.newExtractor(returning(body)).Extract(ctx)
		s.requireReason(err, pipeline.ReasonMalformed)
		s.ErrorContains(err, "first_name")
	})

	s.Run("empty or multiple results are malformed", func() {
		_, err := s.newExtractor(returning(`{"results":[]}`)).Extract(ctx)
		s.requireReason(err, pipeline.ReasonMalformed)

		_, err = s.newExtractor(returning(`{"results":[{},{}]}`)).Extract(ctx)
		s.requireReason(err, pipeline.ReasonMalformed)
	})

	s.Run("payloads in another layout are malformed and name every field", func() {
		for name, body := range map[string]string{
			"flat":          `{"first":"Jane","last":"Doe","country":"US","username":"jdoe","password":"x"}`,
			"personal info": `{"id":"1","personalInfo":{"firstName":"Jane","lastName":"Doe","email":"j@x.io"}}`,
		} {
			_, err := s.newExtractor(returning(body)).Extract(ctx)
			s.requireReason(err, pipeline.ReasonMalformed)
			s.ErrorContains(err, "username, first_name, last_name, country, password", name)
		}
	})

	s.Run("invalid json is a decode failure", func() {
		_, err := s.newExtractor(returning(`{"results": [`)).Extract(ctx)
		s.requireReason(err, pipeline.ReasonDecode)
	})

	s.Run("transport error", func() {
		f := fetchFunc(func(context.Context) ([]byte, error) { return nil, errors.New("dial tcp: refused") })
		_, err := s.newExtractor(f).Extract(ctx)
		s.requireReason(err, pipeline.ReasonTransport)
	})

	s.Run("cancelled context is returned as is", func() {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		f := fetchFunc(func(ctx context.Context) ([]byte, error) { return nil, ctx.Err() })
		_, err := s.newExtractor(f).Extract(cctx)
		s.ErrorIs(err, context.Canceled)
		s.False(pipeline.IsRetryable(err))
	})
}

func (s *ExtractorSuite) TestExtractOverHTTP() {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/down" {
			http.Error(w, "maintenance", http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(janeDoe))
	}))
	defer srv.Close()

	rec, err := s.newExtractor(source.New(srv.URL, time.Second)).Extract(context.Background())
	s.Require().NoError(err)
	s.Equal("jdoe", rec.Username)

	_, err = s.newExtractor(source.New(srv.URL+"/down", time.Second)).Extract(context.Background())
	s.requireReason(err, pipeline.ReasonStatus)
}
