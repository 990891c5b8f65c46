// Package archive assembles the downloadable bundle of a case: regenerated
// legal documents, every uploaded file, the client's signatures and a
// manifest describing what went in.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/accordsai/caselane/pkg/bundlehash"
	"github.com/accordsai/caselane/pkg/domain"
	"github.com/accordsai/caselane/services/casefile/internal/docstore"
	"github.com/accordsai/caselane/services/casefile/internal/metrics"
	"github.com/accordsai/caselane/services/casefile/internal/render"
	"github.com/accordsai/caselane/services/casefile/internal/store"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/zip"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

const ManifestVersion = "case-archive-v1"

type Kind string

const (
	KindGenerated       Kind = "generated"
	KindUploaded        Kind = "uploaded"
	KindSignature       Kind = "signature"
	KindStoredGenerated Kind = "stored_generated"
)

type Outcome string

const (
	OutcomeOK          Outcome = "ok"
	OutcomeFallback    Outcome = "fallback"
	OutcomeDegraded    Outcome = "degraded"
	OutcomeFailed      Outcome = "failed"
	OutcomePlaceholder Outcome = "placeholder"
	OutcomeSuperseded  Outcome = "superseded"
)

// zipEpoch is stamped on every archive member so members carry no wall clock.
var zipEpoch = time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)

type Entry struct {
	Kind     Kind               `json:"kind"`
	ID       string             `json:"id"`
	Path     string             `json:"path,omitempty"`
	Outcome  Outcome            `json:"outcome"`
	Status   string             `json:"status,omitempty"`
	Strategy string             `json:"strategy,omitempty"`
	Attempts []docstore.Attempt `json:"attempts,omitempty"`
	Error    string             `json:"error,omitempty"`
	Size     int64              `json:"size"`
	SHA256   string             `json:"sha256,omitempty"`
}

type CaseSummary struct {
	CaseID             string               `json:"case_id"`
	CaseNumber         string               `json:"case_number"`
	Status             domain.Status        `json:"status"`
	InsurerName        string               `json:"insurer_name"`
	PolicyNumber       string               `json:"policy_number"`
	PolicyType         string               `json:"policy_type"`
	PaymentMethod      domain.PaymentMethod `json:"payment_method,omitempty"`
	AppliedSignatureID string               `json:"applied_signature_id,omitempty"`
	CoInsuredCount     int                  `json:"co_insured_count"`
}

type ClientSummary struct {
	ClientID string `json:"client_id"`
	FullName string `json:"full_name"`
	Email    string `json:"email"`
}

type SignatureSummary struct {
	SignatureID string `json:"signature_id"`
	Label       string `json:"label"`
	MIMEType    string `json:"mime_type"`
	Source      string `json:"source"`
	Size        int    `json:"size"`
}

// Manifest holds no wall-clock values: the same case state always yields
// the same manifest.
type Manifest struct {
	Version    string            `json:"version"`
	Case       CaseSummary       `json:"case"`
	Client     ClientSummary     `json:"client"`
	Signature  *SignatureSummary `json:"signature,omitempty"`
	Entries    []Entry           `json:"entries"`
	BundleHash string            `json:"bundle_hash"`
}

type Bundle struct {
	Archive      []byte
	Manifest     Manifest
	ManifestJSON []byte
	// GenerationComplete is true when every required template produced a
	// document, possibly degraded.
	GenerationComplete bool
}

// Repo is the read-only view of the stores the assembler needs.
type Repo interface {
	GetCase(ctx context.Context, caseID string) (domain.Case, error)
	GetClient(ctx context.Context, clientID string) (domain.Client, error)
	ListDocuments(ctx context.Context, caseID string) ([]domain.Document, error)
	ListSignatures(ctx context.Context, clientID string, activeOnly bool) ([]domain.Signature, error)
	GetSignature(ctx context.Context, signatureID string) (domain.Signature, error)
}

type Resolver interface {
	Resolve(ctx context.Context, ref domain.StorageRef) (docstore.Resolution, error)
}

type Assembler struct {
	Repo         Repo
	Docs         Resolver
	Renderer     *render.Renderer
	Templates    []string
	Concurrency  int
	FetchTimeout time.Duration
	Log          *slog.Logger
	Metrics      *metrics.Collector
}

func (a *Assembler) log() *slog.Logger {
	if a.Log != nil {
		return a.Log
	}
	return slog.Default()
}

// item is one archive member before zipping. data is nil for entries that
// only appear in the manifest.
type item struct {
	entry Entry
	data  []byte
}

type caseState struct {
	c      domain.Case
	client domain.Client
	docs   []domain.Document
	sigs   []domain.Signature
	chosen *domain.Signature
	source string
}

func (a *Assembler) load(ctx context.Context, caseID string) (caseState, error) {
	var st caseState
	c, err := a.Repo.GetCase(ctx, caseID)
	if err != nil {
		return st, store.ToDomain(err, "case", caseID)
	}
	cl, err := a.Repo.GetClient(ctx, c.ClientID)
	if err != nil {
		return st, store.ToDomain(err, "client", c.ClientID)
	}
	docs, err := a.Repo.ListDocuments(ctx, caseID)
	if err != nil {
		return st, fmt.Errorf("list documents: %w", err)
	}
	sigs, err := a.Repo.ListSignatures(ctx, c.ClientID, true)
	if err != nil {
		return st, fmt.Errorf("list signatures: %w", err)
	}
	st = caseState{c: c, client: cl, docs: docs, sigs: sigs}
	st.chosen, st.source = a.chooseSignature(ctx, c, sigs)
	return st, nil
}

// chooseSignature prefers the signature applied to the case and falls back
// to the client's default.
func (a *Assembler) chooseSignature(ctx context.Context, c domain.Case, active []domain.Signature) (*domain.Signature, string) {
	if c.AppliedSignatureID != nil {
		for i := range active {
			if active[i].SignatureID == *c.AppliedSignatureID {
				return &active[i], "applied"
			}
		}
		sig, err := a.Repo.GetSignature(ctx, *c.AppliedSignatureID)
		if err == nil && sig.ClientID == c.ClientID {
			return &sig, "applied"
		}
		a.log().WarnContext(ctx, "applied signature unavailable", "case_id", c.CaseID, "signature_id", *c.AppliedSignatureID, "err", err)
	}
	for i := range active {
		if active[i].IsDefault {
			return &active[i], "default"
		}
	}
	return nil, ""
}

// CheckGeneration renders the required templates without fetching any
// files and reports whether all of them produced a document.
func (a *Assembler) CheckGeneration(ctx context.Context, c domain.Case) (bool, error) {
	st, err := a.load(ctx, c.CaseID)
	if err != nil {
		return false, err
	}
	_, complete := a.generate(st, newNamer())
	return complete, nil
}

func (a *Assembler) generate(st caseState, names *namer) ([]item, bool) {
	rec := render.NewRecord(st.c, st.client, st.chosen)
	complete := true
	var out []item
	for _, id := range a.Templates {
		e := Entry{Kind: KindGenerated, ID: id}
		res, err := a.Renderer.Render(id, rec)
		if err != nil {
			complete = false
			e.Outcome = OutcomeFailed
			e.Error = err.Error()
			out = append(out, item{entry: e})
			continue
		}
		e.Outcome = OutcomeOK
		if res.Warning != nil {
			e.Outcome = OutcomeDegraded
			e.Error = res.Warning.Error()
		}
		e.Path = names.take("generated", res.Filename)
		e.Size = int64(len(res.Content))
		e.SHA256 = res.StableDigest
		out = append(out, item{entry: e, data: res.Content})
	}
	return out, complete
}

// Assemble builds the bundle for caseID. Nothing is persisted; each call
// recomputes from the stores.
func (a *Assembler) Assemble(ctx context.Context, caseID string) (Bundle, error) {
	ctx, span := otel.Tracer("caselane/archive").Start(ctx, "archive.Assemble")
	defer span.End()
	span.SetAttributes(attribute.String("case.id", caseID))
	started := time.Now()

	st, err := a.load(ctx, caseID)
	if err != nil {
		return Bundle{}, err
	}
	log := a.log().With("case_id", caseID)
	names := newNamer()
	names.take("", "manifest.json")

	generated, complete := a.generate(st, names)
	uploaded, err := a.fetchUploads(ctx, st, names)
	if err != nil {
		return Bundle{}, err
	}
	items := append(generated, uploaded...)
	items = append(items, a.signatureItems(st, names)...)

	sort.SliceStable(items, func(i, j int) bool { return sortKey(items[i].entry) < sortKey(items[j].entry) })
	m := Manifest{
		Version: ManifestVersion,
		Case: CaseSummary{
			CaseID:         st.c.CaseID,
			CaseNumber:     st.c.CaseNumber,
			Status:         st.c.Status,
			InsurerName:    st.c.InsurerName,
			PolicyNumber:   st.c.PolicyNumber,
			PolicyType:     st.c.PolicyType,
			PaymentMethod:  st.c.PaymentMethod,
			CoInsuredCount: len(st.c.CoInsured),
		},
		Client: ClientSummary{ClientID: st.client.ClientID, FullName: st.client.FullName(), Email: st.client.Email},
	}
	if st.c.AppliedSignatureID != nil {
		m.Case.AppliedSignatureID = *st.c.AppliedSignatureID
	}
	if st.chosen != nil {
		m.Signature = &SignatureSummary{
			SignatureID: st.chosen.SignatureID,
			Label:       st.chosen.Label,
			MIMEType:    st.chosen.MIMEType,
			Source:      st.source,
			Size:        len(st.chosen.Image),
		}
	}
	hashed := make([]bundlehash.Entry, 0, len(items))
	for _, it := range items {
		m.Entries = append(m.Entries, it.entry)
		if it.data != nil {
			hashed = append(hashed, bundlehash.Entry{Path: it.entry.Path, SHA256: it.entry.SHA256})
		}
		a.Metrics.ArchiveItem(string(it.entry.Kind), string(it.entry.Outcome))
	}
	manifestHash, _, err := bundlehash.CanonicalSHA256(m)
	if err != nil {
		return Bundle{}, fmt.Errorf("hash manifest: %w", err)
	}
	m.BundleHash = bundlehash.ComputeBundleHash(st.c.CaseID, manifestHash, hashed)

	manifestJSON, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return Bundle{}, fmt.Errorf("encode manifest: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return Bundle{}, err
	}
	archive, err := writeZip(manifestJSON, items)
	if err != nil {
		return Bundle{}, err
	}
	a.Metrics.ArchiveAssembled(time.Since(started))
	log.InfoContext(ctx, "archive assembled", "entries", len(m.Entries), "bytes", len(archive), "generation_complete", complete)
	return Bundle{Archive: archive, Manifest: m, ManifestJSON: manifestJSON, GenerationComplete: complete}, nil
}

func sortKey(e Entry) string {
	if e.Path != "" {
		return e.Path
	}
	return "~" + string(e.Kind) + "/" + e.ID
}

func (a *Assembler) fetchUploads(ctx context.Context, st caseState, names *namer) ([]item, error) {
	var toFetch []domain.Document
	var out []item
	for _, d := range st.docs {
		if d.Provenance == domain.ProvenanceGenerated {
			out = append(out, item{entry: Entry{
				Kind:    KindStoredGenerated,
				ID:      d.DocumentID,
				Outcome: OutcomeSuperseded,
				Status:  string(d.Status),
				Size:    d.SizeBytes,
			}})
			continue
		}
		toFetch = append(toFetch, d)
	}
	// Paths are assigned before the fan-out so they do not depend on which
	// fetch finishes first. Placeholder names are reserved after every real
	// name so an upload never loses its own name to a placeholder.
	paths := make([]memberPaths, len(toFetch))
	for i, d := range toFetch {
		paths[i].file = names.take("uploaded/"+foldName(string(d.Type)), d.Filename)
	}
	for i := range paths {
		dir, base := path.Split(paths[i].file)
		paths[i].placeholder = names.take(strings.TrimSuffix(dir, "/"), base+".unavailable.txt")
	}

	results := make([]item, len(toFetch))
	limit := a.Concurrency
	if limit < 1 {
		limit = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, d := range toFetch {
		g.Go(func() error {
			it, err := a.fetchOne(gctx, d, paths[i])
			if err != nil {
				return err
			}
			results[i] = it
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return append(out, results...), nil
}

type memberPaths struct {
	file        string
	placeholder string
}

// fetchOne resolves one upload. Only cancellation of the assembly is
// returned as an error; retrieval failures become a placeholder member.
func (a *Assembler) fetchOne(ctx context.Context, d domain.Document, p memberPaths) (item, error) {
	fctx := ctx
	if a.FetchTimeout > 0 {
		var cancel context.CancelFunc
		fctx, cancel = context.WithTimeout(ctx, a.FetchTimeout)
		defer cancel()
	}
	e := Entry{Kind: KindUploaded, ID: d.DocumentID, Status: string(d.Status)}
	res, err := a.Docs.Resolve(fctx, d.Storage)
	if ctx.Err() != nil {
		return item{}, ctx.Err()
	}
	e.Attempts = res.Attempts
	a.Metrics.Fetched(res.Strategy)
	if err != nil {
		a.log().WarnContext(ctx, "upload replaced by placeholder", "case_id", d.CaseID, "document_id", d.DocumentID, "err", err)
		body := placeholder(d, err)
		e.Path = p.placeholder
		e.Outcome = OutcomePlaceholder
		e.Error = err.Error()
		e.Size = int64(len(body))
		e.SHA256 = bundlehash.SHA256Hex(body)
		return item{entry: e, data: body}, nil
	}
	e.Path = p.file
	e.Outcome = OutcomeOK
	if res.Fallback {
		e.Outcome = OutcomeFallback
	}
	e.Strategy = res.Strategy
	e.Size = int64(len(res.Data))
	e.SHA256 = bundlehash.SHA256Hex(res.Data)
	return item{entry: e, data: res.Data}, nil
}

func placeholder(d domain.Document, cause error) []byte {
	var b strings.Builder
	b.WriteString("This document could not be retrieved when the archive was assembled.\n\n")
	fmt.Fprintf(&b, "Filename: %s\n", d.Filename)
	fmt.Fprintf(&b, "Document type: %s\n", d.Type)
	fmt.Fprintf(&b, "Document ID: %s\n", d.DocumentID)
	fmt.Fprintf(&b, "Size: %s\n", humanize.Bytes(uint64(max(d.SizeBytes, 0))))
	fmt.Fprintf(&b, "Reason: %v\n", cause)
	return []byte(b.String())
}

func (a *Assembler) signatureItems(st caseState, names *namer) []item {
	sigs := st.sigs
	if st.chosen != nil && !st.chosen.IsActive {
		sigs = append(sigs, *st.chosen)
	}
	out := make([]item, 0, len(sigs))
	for _, s := range sigs {
		ext := strings.TrimPrefix(s.MIMEType, "image/")
		if ext == "" || strings.ContainsAny(ext, "/;") {
			ext = "bin"
		}
		if ext == "jpeg" {
			ext = "jpg"
		}
		label := s.Label
		if strings.TrimSpace(label) == "" {
			label = s.SignatureID
		}
		out = append(out, item{
			entry: Entry{
				Kind:    KindSignature,
				ID:      s.SignatureID,
				Path:    names.take("signatures", label+"."+ext),
				Outcome: OutcomeOK,
				Size:    int64(len(s.Image)),
				SHA256:  bundlehash.SHA256Hex(s.Image),
			},
			data: s.Image,
		})
	}
	return out
}

func writeZip(manifest []byte, items []item) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	write := func(name string, data []byte) error {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate, Modified: zipEpoch})
		if err != nil {
			return fmt.Errorf("zip %s: %w", name, err)
		}
		_, err = w.Write(data)
		return err
	}
	if err := write("manifest.json", manifest); err != nil {
		return nil, err
	}
	for _, it := range items {
		if it.data == nil {
			continue
		}
		if err := write(it.entry.Path, it.data); err != nil {
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("close zip: %w", err)
	}
	return buf.Bytes(), nil
}
