package flow

import (
	"fmt"
	"strings"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/util"
)

// FormToken builds the flow token handed to a form so the submission can be
// routed back to its conversation.
func FormToken(formName, conversationID string) string {
	return formName + ":" + conversationID
}

// ParseFormToken splits a token produced by FormToken.
func ParseFormToken(token string) (formName, conversationID string, ok bool) {
	formName, conversationID, ok = strings.Cut(token, ":")
	if !ok || formName == "" || conversationID == "" {
		return "", "", false
	}
	return formName, conversationID, true
}

// RenderPayload expands every template field of p against c. The returned
// spec is a copy; p is not modified.
func RenderPayload(p models.PayloadSpec, c models.Context, conversationID string) (models.PayloadSpec, error) {
	out := p
	var err error
	render := func(field *string) {
		if err != nil {
			return
		}
		*field, err = util.RenderTemplate(*field, c)
	}

	render(&out.Header)
	render(&out.Body)
	render(&out.Footer)
	render(&out.Button)

	out.Options = make([]models.Option, len(p.Options))
	copy(out.Options, p.Options)
	for i := range out.Options {
		render(&out.Options[i].Title)
		render(&out.Options[i].Description)
	}
	out.Params = make([]string, len(p.Params))
	copy(out.Params, p.Params)
	for i := range out.Params {
		render(&out.Params[i])
	}
	if err != nil {
		return models.PayloadSpec{}, fmt.Errorf("render %s payload: %w", p.Kind, err)
	}

	if out.Kind == models.PayloadForm && out.Token == "" {
		out.Token = FormToken(out.FormName, conversationID)
	}
	return out, nil
}
