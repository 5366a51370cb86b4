package capture

import (
	"errors"
	"fmt"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"github.com/hazyhaar/claimsync/claim"
)

// Prompt is an outbound message. HTML, when set, is rendered instead of
// Text and only carries escaped operator data.
type Prompt struct {
	Text    string
	HTML    string
	Options [][]Button
}

// Button is one button of a prompt.
type Button struct {
	Label  string
	Choice string
}

const (
	msgGreeting         = "Olá! Envie a foto de uma guia para começar. Use /cancelar a qualquer momento."
	msgSendImage        = "Envie uma foto da guia."
	msgNothingPending   = "Nada pendente. Envie uma foto da guia."
	msgCancelled        = "Cancelado."
	msgRetry            = "Ok, envie uma nova foto."
	msgExtractionFailed = "Não consegui ler a imagem. Envie outra foto."
	msgStaleButton      = "Esse botão é de uma mensagem antiga."
	msgUnknownChoice    = "Opção desconhecida."
	msgChooseType       = "Escolha o tipo do documento: RX ou GTO."
	msgStoreFailed      = "Erro ao salvar o arquivo. Envie a foto novamente."
	msgEditHelp         = "Para corrigir, envie \"campo: valor\" (nome, codigo, data ou valor), ou use os botões."
	msgNotAnImage       = "Esse arquivo não é uma imagem. Envie uma foto."
)

// escape is applied to every operator-supplied value placed in HTML.
var escape = bluemonday.StrictPolicy()

func esc(s string) string { return escape.Sanitize(s) }

var fieldLabels = []struct {
	field claim.Field
	label string
}{
	{claim.FieldSubjectName, "Nome"},
	{claim.FieldAccessCode, "Código"},
	{claim.FieldServiceDate, "Data"},
	{claim.FieldAmount, "Valor"},
}

func fieldValue(f claim.Fields, field claim.Field) *string {
	switch field {
	case claim.FieldSubjectName:
		return f.SubjectName
	case claim.FieldAccessCode:
		return f.AccessCode
	case claim.FieldServiceDate:
		return f.ServiceDate
	case claim.FieldAmount:
		return f.Amount
	}
	return nil
}

func confirmationPrompt(f claim.Fields, dt claim.DocType) Prompt {
	var b strings.Builder
	b.WriteString("<b>Confira os dados</b>\n\n")
	for _, fl := range fieldLabels {
		v := fieldValue(f, fl.field)
		shown := "<i>não encontrado</i>"
		if v != nil {
			shown = "<code>" + esc(*v) + "</code>"
		}
		fmt.Fprintf(&b, "%s: %s\n", fl.label, shown)
	}
	if dt != "" {
		fmt.Fprintf(&b, "Tipo: <code>%s</code>\n", esc(string(dt)))
	}

	if ok, problems := claim.Validate(f); !ok {
		b.WriteString("\n⚠️ <b>Atenção</b>\n")
		for _, p := range problems {
			fmt.Fprintf(&b, "• %s\n", esc(p.Message))
		}
	}
	b.WriteString("\nPara corrigir, envie <code>campo: valor</code> (nome, codigo, data ou valor).")

	return Prompt{
		HTML: b.String(),
		Options: [][]Button{
			{{Label: "✅ Confirmar", Choice: ChoiceConfirm}, {Label: "🔄 Nova foto", Choice: ChoiceRetry}},
			{{Label: "❌ Cancelar", Choice: ChoiceCancel}},
		},
	}
}

func docTypePrompt() Prompt {
	row := make([]Button, 0, len(claim.DocTypes))
	for _, dt := range claim.DocTypes {
		row = append(row, Button{Label: string(dt), Choice: ChoiceTypePrefix + string(dt)})
	}
	return Prompt{
		Text:    msgChooseType,
		Options: [][]Button{row, {{Label: "❌ Cancelar", Choice: ChoiceCancel}}},
	}
}

// summaryPrompt replaces the confirmation prompt once the record is stored,
// so its buttons disappear.
func summaryPrompt(r claim.Record) Prompt {
	return Prompt{HTML: fmt.Sprintf("<b>Confirmado</b>\nNome: <code>%s</code>\nCódigo: <code>%s</code>\nData: <code>%s</code>\nValor: <code>%s</code>\nTipo: <code>%s</code>",
		esc(r.DisplayName()), esc(r.AccessCode), esc(r.DisplayDate()), esc(r.Amount), esc(string(r.DocType)))}
}

func storedPrompt(key string) Prompt {
	return Prompt{HTML: "Salvo: <code>" + esc(key) + "</code>"}
}

func encodeFailedPrompt(err error) Prompt {
	var b strings.Builder
	b.WriteString("Não foi possível gerar o arquivo")
	var ee *claim.EncodeError
	if errors.As(err, &ee) {
		if len(ee.Fields) > 0 {
			names := make([]string, len(ee.Fields))
			for i, f := range ee.Fields {
				names[i] = labelOf(f)
			}
			b.WriteString(": campos inválidos (" + strings.Join(names, ", ") + ")")
		} else if ee.Cause != nil {
			b.WriteString(": tipo de documento não definido")
		}
	}
	b.WriteString(". Envie a foto novamente.")
	return Prompt{Text: b.String()}
}

func labelOf(f claim.Field) string {
	for _, fl := range fieldLabels {
		if fl.field == f {
			return strings.ToLower(fl.label)
		}
	}
	return string(f)
}

var editAliases = map[string]claim.Field{
	"nome":        claim.FieldSubjectName,
	"name":        claim.FieldSubjectName,
	"codigo":      claim.FieldAccessCode,
	"código":      claim.FieldAccessCode,
	"senha":       claim.FieldAccessCode,
	"code":        claim.FieldAccessCode,
	"access_code": claim.FieldAccessCode,
	"data":        claim.FieldServiceDate,
	"date":        claim.FieldServiceDate,
	"valor":       claim.FieldAmount,
	"amount":      claim.FieldAmount,
}

// ParseEdit reads a "campo: valor" correction. An empty value clears the
// field.
func ParseEdit(text string) (claim.Field, string, bool) {
	name, value, ok := strings.Cut(text, ":")
	if !ok {
		return "", "", false
	}
	field, ok := editAliases[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return "", "", false
	}
	return field, strings.TrimSpace(value), true
}
