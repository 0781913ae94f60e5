package connectors

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/signalhouse/ingest/internal/pipeline"
)

type stubConnector struct {
	handles   []pipeline.SourceType
	closed    int
	closeErr  error
	fetchResp []pipeline.RawData
}

func (s *stubConnector) CanHandle(t pipeline.SourceType) bool {
	for _, h := range s.handles {
		if h == t {
			return true
		}
	}
	return false
}

func (s *stubConnector) Fetch(context.Context, string, pipeline.DataSource) ([]pipeline.RawData, error) {
	return s.fetchResp, nil
}

func (s *stubConnector) Close() error {
	s.closed++
	return s.closeErr
}

func TestFactoryRegisterAndResolve(t *testing.T) {
	t.Parallel()

	f := NewFactory()
	web := &stubConnector{handles: []pipeline.SourceType{pipeline.SourceTypeWeb}}
	require.NoError(t, f.Register(pipeline.SourceTypeWeb, web))

	got, err := f.Connector(pipeline.SourceTypeWeb)
	require.NoError(t, err)
	require.Same(t, web, got)
}

func TestFactoryUnsupportedType(t *testing.T) {
	t.Parallel()

	f := NewFactory()
	_, err := f.Connector(pipeline.SourceType("rss"))
	require.ErrorIs(t, err, pipeline.ErrConnectorUnsupported)
}

func TestFactoryRegisterValidation(t *testing.T) {
	t.Parallel()

	f := NewFactory()
	require.Error(t, f.Register(pipeline.SourceTypeWeb, nil))

	github := &stubConnector{handles: []pipeline.SourceType{pipeline.SourceTypeGitHub}}
	require.Error(t, f.Register(pipeline.SourceTypeWeb, github), "connector must claim the type")

	require.NoError(t, f.Register(pipeline.SourceTypeGitHub, github))
	require.Error(t, f.Register(pipeline.SourceTypeGitHub, github), "duplicate registration")
}

func TestFactoryCloseDedupes(t *testing.T) {
	t.Parallel()

	f := NewFactory()
	shared := &stubConnector{handles: []pipeline.SourceType{pipeline.SourceTypeWeb, pipeline.SourceTypeGitHub}}
	require.NoError(t, f.Register(pipeline.SourceTypeWeb, shared))
	require.NoError(t, f.Register(pipeline.SourceTypeGitHub, shared))

	failing := &stubConnector{
		handles:  []pipeline.SourceType{pipeline.SourceType("rss")},
		closeErr: errors.New("close failed"),
	}
	require.NoError(t, f.Register(pipeline.SourceType("rss"), failing))

	err := f.Close()
	require.Error(t, err)
	require.Equal(t, 1, shared.closed, "shared connector closed exactly once")
	require.Equal(t, 1, failing.closed)
}
