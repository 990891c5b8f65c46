// Package render binds case data to the legal document templates and embeds
// the client's signature image.
package render

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"html"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strings"
	"time"

	"github.com/accordsai/caselane/pkg/domain"
)

const (
	SignatureWidth  = 240
	SignatureHeight = 96
	MaxCoInsured    = 4

	CheckboxSelected = "☒"
	CheckboxEmpty    = "☐"
)

// Markers stand in for clock-derived text until the digest is taken. They
// contain '<', so no escaped field value can collide with them.
const (
	embeddedAtMarker   = "<!--embedded-at-->"
	documentDateMarker = "<!--document-date-->"
)

type SignatureStatus string

const (
	SignatureEmbedded  SignatureStatus = "embedded"
	SignatureAbsent    SignatureStatus = "absent"
	SignatureMalformed SignatureStatus = "malformed"
)

type SignatureImage struct {
	Data     []byte
	MIMEType string
}

// DataRecord is everything a template can reference.
type DataRecord struct {
	Fields        map[string]string
	CoInsured     []domain.Person
	PaymentMethod domain.PaymentMethod
	Signature     *SignatureImage
}

type Result struct {
	TemplateID      string
	Name            string
	Filename        string
	Content         []byte
	// StableDigest hashes the output with clock-derived text masked, so it
	// only changes when the inputs do.
	StableDigest    string
	SignatureStatus SignatureStatus
	EmbeddedAt      *time.Time
	Warning         error
}

type Renderer struct {
	catalog *Catalog
	now     func() time.Time
}

func NewRenderer(catalog *Catalog, now func() time.Time) *Renderer {
	if now == nil {
		now = time.Now
	}
	return &Renderer{catalog: catalog, now: now}
}

func (r *Renderer) Render(templateID string, rec DataRecord) (Result, error) {
	tpl, ok := r.catalog.Get(templateID)
	if !ok {
		e := domain.NewError(domain.CodeUnknownTemplate, fmt.Sprintf("unknown template %q", templateID))
		e.Metadata = map[string]string{"template_id": templateID}
		return Result{}, e
	}
	res := Result{TemplateID: tpl.ID, Name: tpl.Name, Filename: tpl.Filename}

	block, status, warn := signatureBlock(rec)
	res.SignatureStatus = status
	res.Warning = warn

	root := rootScope(rec, block)
	var body strings.Builder
	walk(&body, tpl.nodes, []map[string]any{root})
	if !usesSignatureBlock(tpl.nodes) {
		body.WriteString("\n")
		body.WriteString(string(block))
	}

	masked := NormalizeText(wrapDocument(tpl.Name, body.String()))
	sum := sha256.Sum256([]byte(masked))
	res.StableDigest = hex.EncodeToString(sum[:])

	now := r.now().UTC().Truncate(time.Second)
	if status == SignatureEmbedded {
		res.EmbeddedAt = &now
	}
	out := strings.ReplaceAll(masked, embeddedAtMarker, now.Format(time.RFC3339))
	out = strings.ReplaceAll(out, documentDateMarker, now.Format("2006-01-02"))
	res.Content = []byte(out)
	return res, nil
}

type rawHTML string

func rootScope(rec DataRecord, block rawHTML) map[string]any {
	scope := map[string]any{}
	for k, v := range rec.Fields {
		scope[k] = v
	}
	if _, ok := scope["document_date"]; !ok {
		scope["document_date"] = rawHTML(documentDateMarker)
	}

	persons := rec.CoInsured
	if len(persons) > MaxCoInsured {
		persons = persons[:MaxCoInsured]
	}
	list := make([]map[string]any, 0, len(persons))
	for i, p := range persons {
		list = append(list, map[string]any{
			"index":         fmt.Sprint(i + 1),
			"name":          p.Name,
			"birth_date":    p.BirthDate,
			"policy_number": p.PolicyNumber,
		})
	}
	scope["co_insured"] = list
	scope["has_co_insured"] = len(list) > 0

	scope["payment_method"] = string(rec.PaymentMethod)
	scope["payment_commission"] = checkbox(rec.PaymentMethod == domain.PaymentCommission)
	scope["payment_fees"] = checkbox(rec.PaymentMethod == domain.PaymentFees)

	scope["signature_block"] = block
	return scope
}

func checkbox(selected bool) string {
	if selected {
		return CheckboxSelected
	}
	return CheckboxEmpty
}

func lookup(scopes []map[string]any, name string) (any, bool) {
	for i := len(scopes) - 1; i >= 0; i-- {
		if v, ok := scopes[i][name]; ok {
			return v, true
		}
	}
	return nil, false
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return strings.TrimSpace(t) != ""
	case rawHTML:
		return strings.TrimSpace(string(t)) != ""
	case []map[string]any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}

func walk(b *strings.Builder, nodes []node, scopes []map[string]any) {
	for _, n := range nodes {
		switch n.kind {
		case textNode:
			b.WriteString(n.text)
		case varNode:
			v, _ := lookup(scopes, n.name)
			switch t := v.(type) {
			case rawHTML:
				b.WriteString(string(t))
			case string:
				b.WriteString(html.EscapeString(t))
			case nil:
			default:
				b.WriteString(html.EscapeString(fmt.Sprint(t)))
			}
		case sectionNode:
			v, _ := lookup(scopes, n.name)
			if n.inverted {
				if !truthy(v) {
					walk(b, n.children, scopes)
				}
				continue
			}
			if !truthy(v) {
				continue
			}
			switch t := v.(type) {
			case []map[string]any:
				for _, item := range t {
					walk(b, n.children, append(scopes[:len(scopes):len(scopes)], item))
				}
			case map[string]any:
				walk(b, n.children, append(scopes[:len(scopes):len(scopes)], t))
			default:
				walk(b, n.children, scopes)
			}
		}
	}
}

func usesSignatureBlock(nodes []node) bool {
	for _, n := range nodes {
		if n.kind == varNode && n.name == "signature_block" {
			return true
		}
		if n.kind == sectionNode && usesSignatureBlock(n.children) {
			return true
		}
	}
	return false
}

// signatureBlock renders the embedded image with its attestation line, or
// the manual-signature placeholder when the image is absent or unreadable.
func signatureBlock(rec DataRecord) (rawHTML, SignatureStatus, error) {
	signer := html.EscapeString(strings.TrimSpace(rec.Fields["client_full_name"]))
	if signer == "" {
		signer = "the client"
	}
	if rec.Signature == nil || len(rec.Signature.Data) == 0 {
		return placeholderBlock(signer), SignatureAbsent, nil
	}
	mime, err := SniffImage(rec.Signature.Data)
	if err != nil {
		warn := domain.WrapError(domain.CodeMalformedSignatureImage, "signature image could not be decoded", err)
		return placeholderBlock(signer), SignatureMalformed, warn
	}
	src := "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(rec.Signature.Data)
	var b strings.Builder
	b.WriteString(`<div class="signature-block">` + "\n")
	fmt.Fprintf(&b, `<img class="signature" src="%s" width="%d" height="%d" alt="Signature of %s">`+"\n", src, SignatureWidth, SignatureHeight, signer)
	fmt.Fprintf(&b, `<p class="signature-attestation">Electronically signed by %s. Signature embedded at %s.</p>`+"\n", signer, embeddedAtMarker)
	b.WriteString(`</div>`)
	return rawHTML(b.String()), SignatureEmbedded, nil
}

func placeholderBlock(signer string) rawHTML {
	return rawHTML(`<div class="signature-block">` + "\n" +
		`<p class="signature-placeholder">Signature: ________________________________</p>` + "\n" +
		`<p class="signature-attestation">To be signed by hand by ` + signer + `.</p>` + "\n" +
		`</div>`)
}

// SniffImage fully decodes the image and returns its MIME type. A valid
// header over a corrupt body is an error.
func SniffImage(data []byte) (string, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	if b := img.Bounds(); b.Dx() <= 0 || b.Dy() <= 0 {
		return "", fmt.Errorf("image has no pixels")
	}
	return "image/" + format, nil
}

func wrapDocument(title, body string) string {
	var b strings.Builder
	b.WriteString("<!DOCTYPE html>\n<html>\n<head>\n<meta charset=\"utf-8\">\n")
	b.WriteString("<title>" + html.EscapeString(title) + "</title>\n")
	fmt.Fprintf(&b, "<style>img.signature{width:%dpx;height:%dpx;object-fit:contain}</style>\n", SignatureWidth, SignatureHeight)
	b.WriteString("</head>\n<body>\n")
	b.WriteString(body)
	b.WriteString("\n</body>\n</html>\n")
	return b.String()
}

func NormalizeText(in string) string {
	s := strings.ReplaceAll(in, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	lines := strings.Split(s, "\n")
	for i := range lines {
		lines[i] = strings.TrimRight(lines[i], " \t")
	}
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	out := strings.Join(lines, "\n")
	return out + "\n"
}
