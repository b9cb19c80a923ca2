package telemetry

import (
	"context"
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestScopedAPI(t *testing.T) {
	rec := &RecordingAPI{}
	scoped := NewScopedAPI("flurry", NewScopedAPI("client", rec))

	scoped.ReportBroken("login", "x")
	scoped.ReportWarning("download-page")
	scoped.ReportDebug("hello", 1, 2)
	scoped.ReportCount("pages", 3)

	reports := rec.Reports("")
	require.Len(t, reports, 4)
	require.Equal(t, "flurry.client.login", reports[0].ID)
	require.Equal(t, []any{"x"}, reports[0].Params)
	require.Equal(t, "flurry.client.download-page", rec.Reports("warning")[0].ID)
	require.Equal(t, "flurry.client.hello", rec.Reports("debug")[0].ID)
	require.Equal(t, []any{int64(3)}, rec.Reports("count")[0].Params)
}

func TestRedactForm(t *testing.T) {
	redacted := redactForm("loginEmail=a%40b.c&loginPassword=hunter2&__checkbox=on")
	values, err := url.ParseQuery(redacted)
	require.NoError(t, err)
	require.Equal(t, "a@b.c", values.Get("loginEmail"))
	require.Equal(t, "<REDACTED>", values.Get("loginPassword"))
	require.Equal(t, "on", values.Get("__checkbox"))
}

func TestFilesystemOutput(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "dumps")
	out, err := NewFilesystemOutput(dir)
	require.NoError(t, err)

	out.Write("1", "contents")

	written, err := os.ReadFile(filepath.Join(dir, "1.txt"))
	require.NoError(t, err)
	require.Equal(t, "contents", string(written))
}

func TestSetupWithoutEndpoints(t *testing.T) {
	tel, err := Setup(context.Background(), "test:telemetry", Config{})
	require.NoError(t, err)
	require.Nil(t, tel.TracerProvider)
	require.Nil(t, tel.MeterProvider)
	require.NoError(t, tel.Shutdown(context.Background()))
}
