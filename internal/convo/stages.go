package convo

import (
	"context"
	"strings"

	"shopbot/internal/coalesce"
	"shopbot/internal/reply"
	"shopbot/internal/repo"
	"shopbot/internal/search"

	"golang.org/x/text/language"
)

// Conversation stages. The stage always reflects the next expected input.
const (
	StageAskItem          = "ask_item"
	StageAskName          = "ask_name"
	StageAskPhone         = "ask_phone"
	StageAskEmail         = "ask_email"
	StageAskAddress       = "ask_address"
	StageShowOrderSummary = "show_order_summary"
	StageConfirmOrder     = "confirm_order"
	StageCompleted        = "completed"
)

const (
	maxShownProducts = 5
	narrowAttachMax  = 3
	maxNameLength    = 80
	minAddressLength = 8
)

// outcome is the single outbound result of one turn.
type outcome struct {
	text     string
	products []search.Product
}

func (e *Engine) transition(ctx context.Context, lead *repo.Lead, turn coalesce.Turn) outcome {
	lang := reply.DetectLanguage(turn.Text)

	switch lead.Stage {
	case StageAskName:
		return e.handleAskName(ctx, lead, turn, lang)
	case StageAskPhone:
		return e.handleAskPhone(ctx, lead, turn, lang)
	case StageAskEmail:
		return e.handleAskEmail(ctx, lead, turn, lang)
	case StageAskAddress:
		return e.handleAskAddress(ctx, lead, turn, lang)
	case StageShowOrderSummary:
		return e.handleShowSummary(ctx, lead, turn, lang)
	case StageConfirmOrder:
		return e.handleConfirmOrder(ctx, lead, turn, lang)
	default:
		return e.handleGeneral(ctx, lead, turn, lang)
	}
}

// handleGeneral covers browsing (ask_item) and post-order chat: retrieval,
// the generative reply, and the deictic order short-circuit.
func (e *Engine) handleGeneral(ctx context.Context, lead *repo.Lead, turn coalesce.Turn, lang language.Tag) outcome {
	// "I'll take it" against recently shown products bypasses retrieval
	// entirely: re-searching could re-rank away from what the user saw.
	if len(lead.LastShown) > 0 && turn.ImageRef == "" && isDeicticConfirmation(turn.Text) {
		return e.startOrderFromShown(ctx, lead, lang)
	}

	if lead.Stage == StageAskItem && isGreeting(turn.Text) && turn.ImageRef == "" {
		return outcome{text: prompt(lang, promptWelcome)}
	}

	var products []search.Product
	if !isShortConfirmation(turn.Text) && (strings.TrimSpace(turn.Text) != "" || turn.ImageRef != "") {
		found, err := e.retriever.Retrieve(ctx, turn.Text, turn.ImageRef, search.Options{})
		if err != nil {
			e.logger.Warn("retrieval failed", "user", turn.UserKey, "error", err)
			e.metrics.Errors.WithLabelValues("retrieval").Inc()
		} else {
			products = found
		}
	}

	patch := repo.LeadPatch{}
	dirty := false
	if lead.Stage == StageAskItem && strings.TrimSpace(turn.Text) != "" && !isGreeting(turn.Text) {
		// Record the stated interest; browsing continues in ask_item until
		// the user signals intent to transact.
		interest := strings.TrimSpace(turn.Text)
		patch.DesiredItem = &interest
		dirty = true
	}
	if len(products) > 0 {
		shown := make([]repo.ShownProduct, 0, maxShownProducts)
		for _, p := range products {
			if len(shown) == maxShownProducts {
				break
			}
			shown = append(shown, repo.ShownProduct{
				ProductRef: p.Ref, Name: p.Name, Price: p.Price, Score: p.Similarity,
			})
		}
		patch.LastShown = shown
		dirty = true
	}
	if dirty {
		if err := e.applyPatch(ctx, lead, patch); err != nil {
			e.logger.Warn("lead patch failed", "user", turn.UserKey, "error", err)
		}
	}

	res := e.replier.Reply(ctx, turn.UserKey, turn.Text, lead, products)
	return outcome{text: res.Text, products: productsToAttach(turn, products)}
}

// productsToAttach decides how many retrieved products ride along with the
// reply: image-origin queries surface exactly one, broad queries surface the
// full ranked set, narrow ones a small sample.
func productsToAttach(turn coalesce.Turn, products []search.Product) []search.Product {
	if len(products) == 0 {
		return nil
	}
	if turn.ImageRef != "" {
		return products[:1]
	}
	if search.IsBroadQuery(turn.Text) || len(strings.Fields(turn.Text)) <= 3 {
		return products
	}
	if len(products) > narrowAttachMax {
		return products[:narrowAttachMax]
	}
	return products
}

// startOrderFromShown assembles a pending order from the top previously
// shown product. Known precision limit: when several products were shown the
// user may mean another one; top-1 is the deliberate heuristic.
func (e *Engine) startOrderFromShown(ctx context.Context, lead *repo.Lead, lang language.Tag) outcome {
	top := lead.LastShown[0]
	pending := &repo.PendingOrder{
		Items: []repo.PendingItem{{
			ProductRef: top.ProductRef,
			Name:       top.Name,
			Quantity:   1,
			UnitPrice:  top.Price,
		}},
		Total: top.Price,
	}

	if hasContactInfo(lead) {
		stage := StageShowOrderSummary
		if err := e.applyPatch(ctx, lead, repo.LeadPatch{Stage: &stage, PendingOrder: pending}); err != nil {
			return e.patchFailure(lead, err, lang)
		}
		return outcome{text: formatOrderSummary(lead, lang)}
	}

	stage := StageAskName
	if err := e.applyPatch(ctx, lead, repo.LeadPatch{Stage: &stage, PendingOrder: pending}); err != nil {
		return e.patchFailure(lead, err, lang)
	}
	return outcome{text: prompt(lang, promptAskNameWithHint)}
}

func (e *Engine) handleAskName(ctx context.Context, lead *repo.Lead, turn coalesce.Turn, lang language.Tag) outcome {
	if name, phone, address, ok := parseContactTriple(turn.Text); ok {
		patch := repo.LeadPatch{Name: &name, Phone: &phone, Address: &address}
		if lead.PendingOrder != nil {
			stage := StageShowOrderSummary
			patch.Stage = &stage
			if err := e.applyPatch(ctx, lead, patch); err != nil {
				return e.patchFailure(lead, err, lang)
			}
			return outcome{text: formatOrderSummary(lead, lang)}
		}
		stage := StageCompleted
		patch.Stage = &stage
		if err := e.applyPatch(ctx, lead, patch); err != nil {
			return e.patchFailure(lead, err, lang)
		}
		return outcome{text: prompt(lang, promptThanksNoOrder)}
	}

	name := strings.TrimSpace(turn.Text)
	if name == "" || len(name) > maxNameLength {
		return outcome{text: prompt(lang, promptAskName)}
	}

	stage := StageAskPhone
	if err := e.applyPatch(ctx, lead, repo.LeadPatch{Name: &name, Stage: &stage}); err != nil {
		return e.patchFailure(lead, err, lang)
	}
	return outcome{text: prompt(lang, promptAskPhone)}
}

func (e *Engine) handleAskPhone(ctx context.Context, lead *repo.Lead, turn coalesce.Turn, lang language.Tag) outcome {
	phone := strings.TrimSpace(turn.Text)
	if !looksLikePhone(phone) {
		return outcome{text: prompt(lang, promptInvalidPhone)}
	}
	stage := StageAskEmail
	if err := e.applyPatch(ctx, lead, repo.LeadPatch{Phone: &phone, Stage: &stage}); err != nil {
		return e.patchFailure(lead, err, lang)
	}
	return outcome{text: prompt(lang, promptAskEmail)}
}

func (e *Engine) handleAskEmail(ctx context.Context, lead *repo.Lead, turn coalesce.Turn, lang language.Tag) outcome {
	stage := StageAskAddress
	if isSkipToken(turn.Text) {
		if err := e.applyPatch(ctx, lead, repo.LeadPatch{Stage: &stage}); err != nil {
			return e.patchFailure(lead, err, lang)
		}
		return outcome{text: prompt(lang, promptAskAddress)}
	}

	email := strings.TrimSpace(turn.Text)
	if !looksLikeEmail(email) {
		return outcome{text: prompt(lang, promptInvalidEmail)}
	}
	if err := e.applyPatch(ctx, lead, repo.LeadPatch{Email: &email, Stage: &stage}); err != nil {
		return e.patchFailure(lead, err, lang)
	}
	return outcome{text: prompt(lang, promptAskAddress)}
}

func (e *Engine) handleAskAddress(ctx context.Context, lead *repo.Lead, turn coalesce.Turn, lang language.Tag) outcome {
	address := strings.TrimSpace(turn.Text)
	if len(address) < minAddressLength {
		return outcome{text: prompt(lang, promptInvalidAddress)}
	}

	patch := repo.LeadPatch{Address: &address}
	if lead.PendingOrder != nil {
		stage := StageShowOrderSummary
		patch.Stage = &stage
		if err := e.applyPatch(ctx, lead, patch); err != nil {
			return e.patchFailure(lead, err, lang)
		}
		return outcome{text: formatOrderSummary(lead, lang)}
	}

	stage := StageCompleted
	patch.Stage = &stage
	if err := e.applyPatch(ctx, lead, patch); err != nil {
		return e.patchFailure(lead, err, lang)
	}
	return outcome{text: prompt(lang, promptThanksNoOrder)}
}

func (e *Engine) handleShowSummary(ctx context.Context, lead *repo.Lead, turn coalesce.Turn, lang language.Tag) outcome {
	switch {
	case isNegative(turn.Text):
		stage := StageCompleted
		if err := e.applyPatch(ctx, lead, repo.LeadPatch{Stage: &stage, ClearPendingOrder: true}); err != nil {
			return e.patchFailure(lead, err, lang)
		}
		return outcome{text: prompt(lang, promptOrderCancelled)}
	case isAffirmative(turn.Text):
		stage := StageConfirmOrder
		if err := e.applyPatch(ctx, lead, repo.LeadPatch{Stage: &stage}); err != nil {
			return e.patchFailure(lead, err, lang)
		}
		return outcome{text: prompt(lang, promptConfirmQuestion)}
	case wantsEdit(turn.Text):
		stage := StageAskName
		if err := e.applyPatch(ctx, lead, repo.LeadPatch{Stage: &stage}); err != nil {
			return e.patchFailure(lead, err, lang)
		}
		return outcome{text: prompt(lang, promptAskName)}
	default:
		// Unrecognized input never advances or fails silently.
		return outcome{text: formatOrderSummary(lead, lang)}
	}
}

func (e *Engine) handleConfirmOrder(ctx context.Context, lead *repo.Lead, turn coalesce.Turn, lang language.Tag) outcome {
	// Negation wins over affirmation: "ga jadi" contains an affirmative
	// token but means cancel.
	switch {
	case isNegative(turn.Text):
		stage := StageCompleted
		if err := e.applyPatch(ctx, lead, repo.LeadPatch{Stage: &stage, ClearPendingOrder: true}); err != nil {
			return e.patchFailure(lead, err, lang)
		}
		return outcome{text: prompt(lang, promptOrderCancelled)}
	case isAffirmative(turn.Text):
		return e.commitOrder(ctx, lead, lang)
	default:
		return outcome{text: prompt(lang, promptConfirmQuestion)}
	}
}

func hasContactInfo(lead *repo.Lead) bool {
	return lead.Name != nil && *lead.Name != "" &&
		lead.Phone != nil && *lead.Phone != "" &&
		lead.Address != nil && *lead.Address != ""
}

// applyPatch persists the patch and mirrors it onto the in-memory lead so
// the rest of the turn sees the updated state.
func (e *Engine) applyPatch(ctx context.Context, lead *repo.Lead, patch repo.LeadPatch) error {
	if err := e.store.UpdateLead(ctx, lead.ID, patch); err != nil {
		return err
	}
	if patch.DesiredItem != nil {
		lead.DesiredItem = patch.DesiredItem
	}
	if patch.Name != nil {
		lead.Name = patch.Name
	}
	if patch.Phone != nil {
		lead.Phone = patch.Phone
	}
	if patch.Email != nil {
		lead.Email = patch.Email
	}
	if patch.Address != nil {
		lead.Address = patch.Address
	}
	if patch.Stage != nil {
		lead.Stage = *patch.Stage
	}
	if patch.ClearPendingOrder {
		lead.PendingOrder = nil
	} else if patch.PendingOrder != nil {
		lead.PendingOrder = patch.PendingOrder
	}
	if patch.LastOrderID != nil {
		lead.LastOrderID = patch.LastOrderID
	}
	if patch.LastShown != nil {
		lead.LastShown = patch.LastShown
	}
	return nil
}

func (e *Engine) patchFailure(lead *repo.Lead, err error, lang language.Tag) outcome {
	e.logger.Error("lead update failed", "lead", lead.ID, "error", err)
	e.metrics.Errors.WithLabelValues("lead_update").Inc()
	return outcome{text: reply.Fallback(lang)}
}
