package notify

import (
	"github.com/MarcoPoloResearchLab/duffelbag/internal/accounts"
	"github.com/MarcoPoloResearchLab/duffelbag/internal/localisation"
	"golang.org/x/text/language"
)

// Renderer turns notices into chat text in a fixed locale.
type Renderer struct {
	localiser *localisation.Localiser
	locale    language.Tag
}

// NewRenderer renders in locale, which falls back to the default locale per key.
func NewRenderer(localiser *localisation.Localiser, locale language.Tag) *Renderer {
	return &Renderer{localiser: localiser, locale: locale}
}

// Render returns the notice text.
func (r *Renderer) Render(notice accounts.Notice) string {
	args := map[string]string{
		"username":     notice.Username,
		"game_account": notice.GameAccount,
		"server":       string(notice.Server),
	}
	if !notice.DeletedAt.IsZero() {
		args["deleted_at"] = r.localiser.Timestamp(r.locale, notice.DeletedAt)
	}
	return r.localiser.Message(r.locale, "notice."+string(notice.Kind), args)
}
