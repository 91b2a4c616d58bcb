package prompt

import (
	"reflect"
	"strings"
	"testing"
)

func TestForMode(t *testing.T) {
	tests := []struct {
		mode     string
		contains string
		absent   string
	}{
		{mode: "append", contains: "INTERPUNKTION (MUSS ERSETZT WERDEN)", absent: "{{MACRO:}}"},
		{mode: "refine", contains: "NIEMALS {{MACRO:}} Tags erstellen", absent: "INTERPUNKTION"},
	}

	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			got := ForMode(tt.mode)("MRT Kopf", "de-DE")
			if !strings.Contains(got, tt.contains) {
				t.Errorf("Expected prompt to contain %q", tt.contains)
			}
			if strings.Contains(got, tt.absent) {
				t.Errorf("Expected prompt not to contain %q", tt.absent)
			}
			if !strings.Contains(got, "Studientyp: MRT Kopf") {
				t.Error("Expected study type in prompt")
			}
			if !strings.HasPrefix(got, "LANGUAGE: Output MUST be in GERMAN (de-DE).") {
				t.Errorf("Unexpected prompt start: %q", got[:60])
			}
		})
	}
}

func TestStreamingKeepsLiteralLineBreakCommands(t *testing.T) {
	got := Streaming("CT Thorax", "de-DE")
	if !strings.Contains(got, `"neuer Absatz" zu "\n\n"`) {
		t.Error("Expected escaped line break commands to stay literal")
	}
}

func TestPolish(t *testing.T) {
	got := Polish("Befund normal.", "de-DE")
	if !strings.Contains(got, "Original-Transkript:\nBefund normal.\n") {
		t.Errorf("Expected transcript embedded in prompt, got %q", got)
	}
	if !strings.HasSuffix(got, "Geben Sie NUR den polierten Text ohne Erklärung zurück.") {
		t.Error("Expected closing instruction")
	}
}

func TestKeyterms(t *testing.T) {
	tests := []struct {
		studyType string
		limit     int
		want      []string
	}{
		{studyType: "MRT Wirbelsäule", limit: 10, want: []string{"MRT", "Wirbelsäule"}},
		{studyType: "Sonographie Abdomen", limit: 1, want: []string{"Sonographie"}},
		{studyType: "", limit: 10, want: []string{}},
	}

	for _, tt := range tests {
		got := Keyterms(tt.studyType, tt.limit)
		if len(got) == 0 && len(tt.want) == 0 {
			continue
		}
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("Keyterms(%q, %d) = %v, want %v", tt.studyType, tt.limit, got, tt.want)
		}
	}
}
