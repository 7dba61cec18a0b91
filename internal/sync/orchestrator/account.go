package orchestrator

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/coachpo/synctrack/errs"
	"github.com/coachpo/synctrack/internal/domain/schema"
	"github.com/coachpo/synctrack/internal/observability"
	"github.com/coachpo/synctrack/internal/sync/detect"
)

const (
	changeAccount     = "ACCOUNT"
	changeTestSubject = "TEST_SUBJECT"
)

// accountBody is the remote representation of the account category.
type accountBody struct {
	FirstName   string          `json:"firstName,omitempty"`
	MiddleName  string          `json:"middleName,omitempty"`
	LastName    string          `json:"lastName,omitempty"`
	DateOfBirth string          `json:"dateOfBirth,omitempty"`
	Email       string          `json:"email,omitempty"`
	Phone       string          `json:"phone,omitempty"`
	Address     *schema.Address `json:"address,omitempty"`
}

// SyncAccount sends the account profile when it differs from the snapshot.
func (o *Orchestrator) SyncAccount(ctx context.Context, event schema.AccountPayload) Result {
	return o.syncAccount(ctx, event, false)
}

func (o *Orchestrator) syncAccount(ctx context.Context, event schema.AccountPayload, reattempt bool) Result {
	const category = schema.CategoryAccountUpdate
	if event.SubjectID <= 0 {
		return o.fail(ctx, category, event.SubjectID, nil, reattempt, invalid("subject id required"))
	}
	event.SSN = ""
	payload, err := json.Marshal(event)
	if err != nil {
		return o.fail(ctx, category, event.SubjectID, nil, reattempt, errs.New(component, errs.CodeSerialization, errs.WithCause(err)))
	}

	snapshot, err := o.loadAccountSnapshot(ctx, event.SubjectID, category)
	if err != nil {
		return o.fail(ctx, category, event.SubjectID, payload, reattempt, err)
	}
	if !detect.AccountChanged(&event, snapshot) {
		return o.unchanged(ctx, category, event.SubjectID, reattempt)
	}

	body := accountBody{
		FirstName:   event.FirstName,
		MiddleName:  event.MiddleName,
		LastName:    event.LastName,
		DateOfBirth: event.DateOfBirth,
	}
	body.Email, _ = event.VerifiedEmail()
	body.Phone, _ = event.VerifiedPhone()
	if addr, ok := event.AccountAddress(); ok {
		body.Address = &addr
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return o.fail(ctx, category, event.SubjectID, nil, reattempt, errs.New(component, errs.CodeSerialization, errs.WithCause(err)))
	}
	if _, err := o.send(ctx, Request{
		Category:  category,
		SubjectID: event.SubjectID,
		Method:    http.MethodPut,
		Path:      fmt.Sprintf("/subjects/%d/account", event.SubjectID),
		Body:      encoded,
	}); err != nil {
		return o.fail(ctx, category, event.SubjectID, payload, reattempt, err)
	}
	o.storeSnapshot(ctx, category, event.SubjectID, event)
	return o.succeeded(ctx, category, event.SubjectID, []string{changeAccount})
}

// SyncTestFlag sends the test-subject flag when it differs from the snapshot.
func (o *Orchestrator) SyncTestFlag(ctx context.Context, subjectID int64, flag *bool) Result {
	return o.syncTestFlag(ctx, schema.AccountPayload{SubjectID: subjectID, TestSubject: flag}, false)
}

func (o *Orchestrator) syncTestFlag(ctx context.Context, event schema.AccountPayload, reattempt bool) Result {
	const category = schema.CategoryTestSubjectUpdate
	if event.SubjectID <= 0 {
		return o.fail(ctx, category, event.SubjectID, nil, reattempt, invalid("subject id required"))
	}
	flagOnly := schema.AccountPayload{SubjectID: event.SubjectID, TestSubject: event.TestSubject}
	payload, err := json.Marshal(flagOnly)
	if err != nil {
		return o.fail(ctx, category, event.SubjectID, nil, reattempt, errs.New(component, errs.CodeSerialization, errs.WithCause(err)))
	}

	snapshot, err := o.loadAccountSnapshot(ctx, event.SubjectID, category)
	if err != nil {
		return o.fail(ctx, category, event.SubjectID, payload, reattempt, err)
	}
	var previous *bool
	if snapshot != nil {
		previous = snapshot.TestSubject
	}
	if !detect.FlagChanged(flagOnly.TestSubject, previous, snapshot != nil) {
		return o.unchanged(ctx, category, event.SubjectID, reattempt)
	}

	value := false
	if flagOnly.TestSubject != nil {
		value = *flagOnly.TestSubject
	}
	encoded, err := json.Marshal(map[string]bool{"testSubject": value})
	if err != nil {
		return o.fail(ctx, category, event.SubjectID, nil, reattempt, errs.New(component, errs.CodeSerialization, errs.WithCause(err)))
	}
	if _, err := o.send(ctx, Request{
		Category:  category,
		SubjectID: event.SubjectID,
		Method:    http.MethodPut,
		Path:      fmt.Sprintf("/subjects/%d/test-subject", event.SubjectID),
		Body:      encoded,
	}); err != nil {
		return o.fail(ctx, category, event.SubjectID, payload, reattempt, err)
	}
	o.storeSnapshot(ctx, category, event.SubjectID, flagOnly)
	return o.succeeded(ctx, category, event.SubjectID, []string{changeTestSubject})
}

type formAnswer struct {
	FieldID string `json:"fieldId"`
	Value   string `json:"value"`
}

type formSubmission struct {
	FormID        string       `json:"formId"`
	FormVersionID string       `json:"formVersionId"`
	Answers       []formAnswer `json:"answers"`
}

// SyncSecondaryContacts submits the changed contact slots and SSN as one form.
func (o *Orchestrator) SyncSecondaryContacts(ctx context.Context, event schema.AccountPayload) Result {
	return o.syncSecondary(ctx, event, false)
}

func (o *Orchestrator) syncSecondary(ctx context.Context, event schema.AccountPayload, reattempt bool) Result {
	const category = schema.CategorySecondaryContactUpdate
	if event.SubjectID <= 0 {
		return o.fail(ctx, category, event.SubjectID, nil, reattempt, invalid("subject id required"))
	}
	if o.forms == nil || !o.form.Valid() {
		return o.fail(ctx, category, event.SubjectID, nil, reattempt, invalid("secondary contact form not configured"))
	}
	// the raw SSN is re-fetched on every attempt and never queued
	event.SSN = ""
	payload, err := json.Marshal(event)
	if err != nil {
		return o.fail(ctx, category, event.SubjectID, nil, reattempt, errs.New(component, errs.CodeSerialization, errs.WithCause(err)))
	}

	snapshot, err := o.loadAccountSnapshot(ctx, event.SubjectID, category)
	if err != nil {
		return o.fail(ctx, category, event.SubjectID, payload, reattempt, err)
	}
	var currentSSN string
	if event.HasSSN {
		if o.ssn == nil {
			return o.fail(ctx, category, event.SubjectID, nil, reattempt, invalid("ssn lookup not configured"))
		}
		if currentSSN, err = o.ssn.CurrentSSN(ctx, event.SubjectID); err != nil {
			return o.fail(ctx, category, event.SubjectID, payload, reattempt, err)
		}
	}
	changes := detect.SecondaryChanges(&event, snapshot, currentSSN)
	if changes.Cardinality() == 0 {
		return o.unchanged(ctx, category, event.SubjectID, reattempt)
	}

	answers, err := o.formAnswers(ctx, &event, changes, currentSSN)
	if err != nil {
		if errs.Is(err, errs.CodeMalformed) {
			o.forms.Invalidate(o.form)
		}
		return o.fail(ctx, category, event.SubjectID, payload, reattempt, err)
	}
	encoded, err := json.Marshal(formSubmission{
		FormID:        o.form.FormID,
		FormVersionID: o.form.FormVersionID,
		Answers:       answers,
	})
	if err != nil {
		return o.fail(ctx, category, event.SubjectID, nil, reattempt, errs.New(component, errs.CodeSerialization, errs.WithCause(err)))
	}
	if _, err := o.send(ctx, Request{
		Category:  category,
		SubjectID: event.SubjectID,
		Method:    http.MethodPost,
		Path:      fmt.Sprintf("/subjects/%d/forms/%s/submissions", event.SubjectID, o.form.FormID),
		Body:      encoded,
	}); err != nil {
		return o.fail(ctx, category, event.SubjectID, payload, reattempt, err)
	}
	o.storeSnapshot(ctx, category, event.SubjectID, detect.SecondarySnapshot(event, currentSSN))

	tokens := make([]string, 0, changes.Cardinality())
	for _, token := range changes.ToSlice() {
		tokens = append(tokens, string(token))
	}
	sort.Strings(tokens)
	return o.succeeded(ctx, category, event.SubjectID, tokens)
}

// formAnswers translates the changed slot fields to remote form field ids.
func (o *Orchestrator) formAnswers(ctx context.Context, event *schema.AccountPayload, changes detect.ChangeSet, currentSSN string) ([]formAnswer, error) {
	values := make(map[string]string)
	for _, slot := range schema.ContactSlots() {
		if !changes.Contains(detect.SlotToken(slot)) {
			continue
		}
		contact, _ := event.Slot(slot)
		for name, value := range contactFields(contact) {
			values[strings.ToLower(string(slot))+"_"+name] = value
		}
	}
	if changes.Contains(detect.TokenSSN) {
		values["ssn"] = currentSSN
	}

	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)
	answers := make([]formAnswer, 0, len(names))
	for _, name := range names {
		id, err := o.forms.FieldID(ctx, o.form, name)
		if err != nil {
			return nil, err
		}
		answers = append(answers, formAnswer{FieldID: id, Value: values[name]})
	}
	o.logger.Debug("secondary contact answers resolved",
		observability.Field{Key: "subject_id", Value: event.SubjectID},
		observability.Field{Key: "form", Value: o.form.String()},
		observability.Field{Key: "answers", Value: len(answers)},
	)
	return answers, nil
}

// contactFields flattens a contact; an empty slot clears every field remotely.
func contactFields(c schema.SecondaryContact) map[string]string {
	email, _ := schema.VerifiedChannel(c.Channels, schema.ChannelEmail)
	phone, _ := schema.VerifiedChannel(c.Channels, schema.ChannelPhone)
	fields := map[string]string{
		"first_name":   c.FirstName,
		"last_name":    c.LastName,
		"relationship": c.Relationship,
		"preference":   c.Preference,
		"email":        email,
		"phone":        phone,
	}
	var addr schema.Address
	if c.Address != nil {
		addr = *c.Address
	}
	fields["address_line1"] = addr.Line1
	fields["address_line2"] = addr.Line2
	fields["city"] = addr.City
	fields["state"] = addr.State
	fields["postal_code"] = addr.PostalCode
	fields["country"] = addr.Country
	return fields
}
