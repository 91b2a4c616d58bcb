package prompt

import (
	"strings"
	"text/template"
)

// Builder produces the transcription prompt for a turn.
type Builder func(studyType, language string) string

const languageRule = `LANGUAGE: Output MUST be in GERMAN ({{.Language}}). Do NOT translate to English.`

const transcriptionRules = `TRANSKRIPTIONSREGELN:
1. Transkribieren Sie das Gehörte genau - fügen Sie NICHTS hinzu
2. Intelligente Korrekturbehandlung: "nicht X" bedeutet X entfernen, "ich meine Y" ersetzt X durch Y
3. Minimale Grammatikkorrektur ohne Inhalt hinzuzufügen
4. Exakte medizinische Terminologie und Messungen beibehalten
5. Daten für Vergleiche intelligent analysieren (z.B. "vorherige Studie" oder spezifisches Datum verwenden)
6. Sprachartifakte entfernen (Stottern, Fehlstarts)
7. Klinische Absicht beibehalten (Negationen, Unsicherheit)
8. Unvollständige Sätze NICHT vervollständigen`

var streamingTemplate = template.Must(template.New("streaming").Parse(languageRule + `

Sie sind ein medizinischer Transkriptionist für {{.StudyType}} Bildgebung.

` + transcriptionRules + `
9. Sprachbefehle konvertieren: "neuer Absatz" zu "\n\n", "neue Zeile" zu "\n"

WICHTIG FÜR MAKROS:
- Transkribieren Sie Aufrufphrasen wie "einfügen", "eingabe", "makro", "füge ein", "gib ein" WÖRTLICH
- Transkribieren Sie GENAU was nach diesen Phrasen gesagt wird
- NIEMALS {{"{{"}}MACRO:{{"}}"}} Tags erstellen - das Backend erledigt das
- Beispiel: Wenn Nutzer sagt "einfügen Appendix", transkribieren Sie genau "einfügen Appendix"

Studientyp: {{.StudyType}}

Beginnen Sie mit der Transkription.`))

var punctuationTemplate = template.Must(template.New("punctuation").Parse(languageRule + `

Sie sind ein medizinischer Transkriptionist für {{.StudyType}} Bildgebung.

` + transcriptionRules + `

KRITISCH - DEUTSCHE SPRACHBEFEHLE FÜR INTERPUNKTION:
Wenn der Sprecher folgende Wörter sagt, ersetzen Sie sie durch die entsprechenden Symbole:

ABSATZ UND ZEILEN:
- "neue Zeile" oder "Zeilenumbruch" oder "nächste Zeile" → \n
- "neuer Absatz" oder "Absatzwechsel" oder "nächster Absatz" → \n\n
- "neuer Abschnitt" oder "Abschnittswechsel" → \n\n

INTERPUNKTION (MUSS ERSETZT WERDEN):
- "Punkt" → .
- "Komma" → ,
- "Semikolon" oder "Strichpunkt" → ;
- "Doppelpunkt" → :
- "Fragezeichen" → ?
- "Ausrufezeichen" → !
- "Bindestrich" → -
- "Schrägstrich" → /
- "Prozentzeichen" → %

KLAMMERN:
- "Klammer auf" → (
- "Klammer zu" → )
- "eckige Klammer auf" → [
- "eckige Klammer zu" → ]

ANFÜHRUNGSZEICHEN:
- "Anführungszeichen auf" oder "Gänsefüßchen auf" → "
- "Anführungszeichen zu" oder "Gänsefüßchen zu" → "

BEISPIELE:
- "CT Thorax Punkt keine Auffälligkeiten Punkt" → "CT Thorax. Keine Auffälligkeiten."
- "Befund Doppelpunkt normal Komma keine weitere Abklärung nötig Punkt" → "Befund: normal, keine weitere Abklärung nötig."

WICHTIG: Diese Sprachbefehle werden NUR ersetzt, wenn sie isoliert oder am Satzende stehen.
"Punkt" innerhalb eines Wortes (z.B. "Standpunkt") bleibt unverändert.

MAKROS (unverändert):
- Transkribieren Sie Aufrufphrasen wie "einfügen", "eingabe", "makro" WÖRTLICH
- Transkribieren Sie GENAU was nach diesen Phrasen gesagt wird
- Beispiel: "einfügen Appendix" → "einfügen Appendix" (NICHT erweitern)

Studientyp: {{.StudyType}}

Beginnen Sie mit der Transkription.`))

var polishTemplate = template.Must(template.New("polish").Parse(languageRule + `

Polieren Sie diese medizinische Transkription:
1. Korrigieren Sie offensichtliche Fehler
2. Stellen Sie konsistente Formatierung sicher
3. Korrigieren Sie medizinische Terminologie
4. Entfernen Sie Wiederholungen
5. Sorgen Sie für natürlichen Fluss

Intelligente Korrekturbehandlung:
- Wenn Nutzer "nicht X" nach X sagt, entfernen Sie X
- Wenn Nutzer "ich meine Y" nach X sagt, ersetzen Sie X durch Y

Original-Transkript:
{{.Text}}

Geben Sie NUR den polierten Text ohne Erklärung zurück.`))

type params struct {
	StudyType string
	Language  string
	Text      string
}

func render(t *template.Template, p params) string {
	var sb strings.Builder
	// Templates are static and params are plain strings, so Execute cannot fail.
	_ = t.Execute(&sb, p)
	return sb.String()
}

// Streaming is the turn prompt used in refine mode.
func Streaming(studyType, language string) string {
	return render(streamingTemplate, params{StudyType: studyType, Language: language})
}

// Punctuation is the turn prompt used in append mode. It adds the German
// spoken punctuation commands since append output is shown without a polish pass.
func Punctuation(studyType, language string) string {
	return render(punctuationTemplate, params{StudyType: studyType, Language: language})
}

// Polish is the refinement prompt for a combined transcript.
func Polish(text, language string) string {
	return render(polishTemplate, params{Text: text, Language: language})
}

// ForMode selects the turn prompt builder for an accumulation mode name.
func ForMode(mode string) Builder {
	if mode == "append" {
		return Punctuation
	}
	return Streaming
}

// Keyterms extracts short vocabulary hints from a study type, e.g.
// "MRT Wirbelsäule" yields ["MRT", "Wirbelsäule"].
func Keyterms(studyType string, limit int) []string {
	fields := strings.Fields(studyType)
	if len(fields) > limit {
		fields = fields[:limit]
	}
	return fields
}
