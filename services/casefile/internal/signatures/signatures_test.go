package signatures

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/accordsai/caselane/pkg/domain"
	"github.com/accordsai/caselane/services/casefile/internal/sqlitestore"
)

var fixedNow = time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)

func openService(t *testing.T) (*Service, *sqlitestore.Store) {
	t.Helper()
	st, err := sqlitestore.Open(filepath.Join(t.TempDir(), "cases.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	ctx := context.Background()
	for _, id := range []string{"cli_1", "cli_2"} {
		if err := st.CreateClient(ctx, domain.Client{ClientID: id, FirstName: "Jeanne", LastName: "Moreau", Email: "jeanne@example.com", CreatedAt: fixedNow}); err != nil {
			t.Fatalf("create client: %v", err)
		}
	}
	svc := New(st, slog.New(slog.NewTextHandler(io.Discard, nil)), DefaultMinBytes)
	svc.Now = func() time.Time { return fixedNow }
	return svc, st
}

// noisyPNG produces a PNG comfortably above the minimum size.
func noisyPNG(t *testing.T) []byte {
	t.Helper()
	rng := rand.New(rand.NewSource(7))
	img := image.NewNRGBA(image.Rect(0, 0, 120, 48))
	for y := 0; y < 48; y++ {
		for x := 0; x < 120; x++ {
			img.Set(x, y, color.NRGBA{uint8(rng.Intn(256)), uint8(rng.Intn(256)), uint8(rng.Intn(256)), 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

func TestDecodePayloadAcceptsDataURLAndRawBase64(t *testing.T) {
	raw := []byte("signature-bytes")
	enc := base64.StdEncoding.EncodeToString(raw)

	data, mime, err := DecodePayload("data:image/png;base64," + enc)
	if err != nil || !bytes.Equal(data, raw) || mime != "image/png" {
		t.Fatalf("data url: %q %q %v", data, mime, err)
	}
	data, mime, err = DecodePayload(enc)
	if err != nil || !bytes.Equal(data, raw) || mime != "" {
		t.Fatalf("raw base64: %q %q %v", data, mime, err)
	}
	if _, _, err := DecodePayload("data:image/png," + enc); !errors.Is(err, domain.ErrBadRequest) {
		t.Fatalf("expected bad request for non-base64 data url, got %v", err)
	}
	if _, _, err := DecodePayload("!!!not base64!!!"); !errors.Is(err, domain.ErrBadRequest) {
		t.Fatalf("expected bad request, got %v", err)
	}
}

func TestCreateRejectsDegenerateImage(t *testing.T) {
	svc, _ := openService(t)
	tiny := base64.StdEncoding.EncodeToString(make([]byte, 200))
	_, err := svc.Create(context.Background(), "cli_1", tiny, "", false)
	if !errors.Is(err, domain.ErrDegenerateSignature) {
		t.Fatalf("expected degenerate signature, got %v", err)
	}
	sigs, _ := svc.ListActive(context.Background(), "cli_1")
	if len(sigs) != 0 {
		t.Fatalf("degenerate signature must not be stored")
	}
}

func TestCreateUnknownClient(t *testing.T) {
	svc, _ := openService(t)
	payload := base64.StdEncoding.EncodeToString(noisyPNG(t))
	if _, err := svc.Create(context.Background(), "cli_missing", payload, "", false); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDefaultLifecycle(t *testing.T) {
	svc, _ := openService(t)
	ctx := context.Background()
	payload := "data:image/png;base64," + base64.StdEncoding.EncodeToString(noisyPNG(t))

	first, err := svc.Create(ctx, "cli_1", payload, "", true)
	if err != nil {
		t.Fatalf("create first: %v", err)
	}
	if first.Label != "Signature 1" || first.MIMEType != "image/png" || !first.IsDefault {
		t.Fatalf("unexpected first signature %+v", first)
	}
	second, err := svc.Create(ctx, "cli_1", payload, "Initials", true)
	if err != nil {
		t.Fatalf("create second: %v", err)
	}
	def, err := svc.GetDefault(ctx, "cli_1")
	if err != nil || def == nil || def.SignatureID != second.SignatureID {
		t.Fatalf("expected second as default, got %+v %v", def, err)
	}

	if err := svc.SetDefault(ctx, "cli_1", first.SignatureID); err != nil {
		t.Fatalf("set default: %v", err)
	}
	if err := svc.SetDefault(ctx, "cli_2", second.SignatureID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("foreign client must not set default, got %v", err)
	}

	if err := svc.Delete(ctx, "cli_1", first.SignatureID); err != nil {
		t.Fatalf("delete default: %v", err)
	}
	def, err = svc.GetDefault(ctx, "cli_1")
	if err != nil || def != nil {
		t.Fatalf("expected no default after delete, got %+v %v", def, err)
	}

	if err := svc.SetDefault(ctx, "cli_1", second.SignatureID); err != nil {
		t.Fatalf("set default: %v", err)
	}
	if err := svc.Deactivate(ctx, "cli_1", second.SignatureID); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	def, _ = svc.GetDefault(ctx, "cli_1")
	if def != nil {
		t.Fatalf("deactivated signature must not remain default")
	}
	kept, err := svc.Get(ctx, "cli_1", second.SignatureID)
	if err != nil || kept.IsActive || kept.DeactivatedAt == nil {
		t.Fatalf("deactivated signature must be retained, got %+v %v", kept, err)
	}
	active, _ := svc.ListActive(ctx, "cli_1")
	if len(active) != 0 {
		t.Fatalf("expected no active signatures, got %d", len(active))
	}
}

func TestUpdateLabel(t *testing.T) {
	svc, _ := openService(t)
	ctx := context.Background()
	sig, err := svc.Create(ctx, "cli_1", base64.StdEncoding.EncodeToString(noisyPNG(t)), "", false)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := svc.UpdateLabel(ctx, "cli_1", sig.SignatureID, "  "); !errors.Is(err, domain.ErrBadRequest) {
		t.Fatalf("expected bad request for blank label, got %v", err)
	}
	if err := svc.UpdateLabel(ctx, "cli_1", sig.SignatureID, "Full signature"); err != nil {
		t.Fatalf("update label: %v", err)
	}
	got, _ := svc.Get(ctx, "cli_1", sig.SignatureID)
	if got.Label != "Full signature" {
		t.Fatalf("expected updated label, got %q", got.Label)
	}
	if _, err := svc.Get(ctx, "cli_2", sig.SignatureID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("signature of another client must be hidden, got %v", err)
	}
}
