package archive

import "testing"

func TestFoldName(t *testing.T) {
	cases := map[string]string{
		"Pièce d'identité.jpg": "Piece_d_identite.jpg",
		"  contrat  été.pdf ":  "contrat_ete.pdf",
		"../../etc/passwd":     "etc_passwd",
		"日本語":                  "file",
		"Signature 1.png":      "Signature_1.png",
	}
	for in, want := range cases {
		if got := foldName(in); got != want {
			t.Fatalf("foldName(%q): expected %q, got %q", in, want, got)
		}
	}
}

func TestNamerDeduplicates(t *testing.T) {
	n := newNamer()
	got := []string{
		n.take("uploaded/other", "scan.pdf"),
		n.take("uploaded/other", "scan.pdf"),
		n.take("uploaded/other", "Scan.pdf"),
		n.take("uploaded/other", "scan"),
	}
	want := []string{"uploaded/other/scan.pdf", "uploaded/other/scan-2.pdf", "uploaded/other/Scan-3.pdf", "uploaded/other/scan"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("take #%d: expected %q, got %q", i, want[i], got[i])
		}
	}
}
