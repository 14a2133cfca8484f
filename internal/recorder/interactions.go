package recorder

import "context"

// FormClick is the payload of a form_click event.
type FormClick struct {
	Element string `json:"element"`
}

// InputFocus is the payload of an input_focus event.
type InputFocus struct {
	Field string `json:"field"`
}

// FormSubmit is the payload of a form_submit event.
type FormSubmit struct {
	Form       string `json:"form"`
	TimeOnPage int64  `json:"timeOnPage"`
}

// FeatureCardClick is the payload of a feature_card_click event.
type FeatureCardClick struct {
	CardIndex int    `json:"cardIndex"`
	CardTitle string `json:"cardTitle"`
}

// RecordFormClick records a click anywhere on the signup form.
func (r *Recorder) RecordFormClick(ctx context.Context) {
	r.RecordEvent(ctx, EventFormClick, FormClick{Element: "email_form"})
}

// RecordInputFocus records focus on the email input.
func (r *Recorder) RecordInputFocus(ctx context.Context) {
	r.RecordEvent(ctx, EventInputFocus, InputFocus{Field: "email"})
}

// RecordFormSubmit records a signup submission with the time it took.
func (r *Recorder) RecordFormSubmit(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recordLocked(ctx, EventFormSubmit, FormSubmit{Form: "email_signup", TimeOnPage: r.elapsedLocked()})
}

// RecordFeatureCardClick records a click on the index-th feature card.
func (r *Recorder) RecordFeatureCardClick(ctx context.Context, index int, title string) {
	r.RecordEvent(ctx, EventFeatureCardClick, FeatureCardClick{CardIndex: index, CardTitle: title})
}
