package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Action is one discrete device command. The set of variants is closed:
// every variant routes itself through a Handler method, so a new variant
// does not compile until every Handler implements it.
type Action interface {
	// Name is the wire name the model uses for this action.
	Name() string
	// Args returns the action arguments keyed by wire argument name.
	Args() map[string]string
	dispatch(ctx context.Context, h Handler) (ExecResult, error)
}

// Handler executes each action variant.
type Handler interface {
	SwitchApp(ctx context.Context) (ExecResult, error)
	Back(ctx context.Context) (ExecResult, error)
	Home(ctx context.Context) (ExecResult, error)
	Wait(ctx context.Context) (ExecResult, error)
	TapElement(ctx context.Context, a TapElement) (ExecResult, error)
	Speak(ctx context.Context, a Speak) (ExecResult, error)
	Ask(ctx context.Context, a Ask) (ExecResult, error)
	OpenApp(ctx context.Context, a OpenApp) (ExecResult, error)
	ScrollDown(ctx context.Context, a ScrollDown) (ExecResult, error)
	ScrollUp(ctx context.Context, a ScrollUp) (ExecResult, error)
	SearchGoogle(ctx context.Context, a SearchGoogle) (ExecResult, error)
	ScrollToText(ctx context.Context, a ScrollToText) (ExecResult, error)
	ExtractStructuredData(ctx context.Context, a ExtractStructuredData) (ExecResult, error)
	InputText(ctx context.Context, a InputText) (ExecResult, error)
	Done(ctx context.Context, a Done) (ExecResult, error)
}

// Dispatch routes a to the matching Handler method.
func Dispatch(ctx context.Context, h Handler, a Action) (ExecResult, error) {
	return a.dispatch(ctx, h)
}

type SwitchApp struct{}
type Back struct{}
type Home struct{}
type Wait struct{}

type TapElement struct {
	ElementID int
}

type Speak struct {
	Message string
}

// Ask blocks the loop until the user answers.
type Ask struct {
	Question string
}

type OpenApp struct {
	AppName string
}

type ScrollDown struct {
	Amount int
}

type ScrollUp struct {
	Amount int
}

type SearchGoogle struct {
	Query string
}

type ScrollToText struct {
	Text string
}

type ExtractStructuredData struct {
	Query string
}

type InputText struct {
	Index int
	Text  string
}

type Done struct {
	Success     bool
	Text        string
	Attachments []string
}

const (
	NameTapElement            = "TapElement"
	NameSwitchApp             = "Switch_App"
	NameBack                  = "Back"
	NameHome                  = "Home"
	NameWait                  = "Wait"
	NameSpeak                 = "Speak"
	NameAsk                   = "Ask"
	NameOpenApp               = "Open_App"
	NameScrollDown            = "Scroll_Down"
	NameScrollUp              = "Scroll_Up"
	NameSearchGoogle          = "Search_Google"
	NameScrollToText          = "Scroll_To_Text"
	NameExtractStructuredData = "Extract_Structured_Data"
	NameInputText             = "Input_Text"
	NameDone                  = "Done"
)

func (SwitchApp) Name() string             { return NameSwitchApp }
func (Back) Name() string                  { return NameBack }
func (Home) Name() string                  { return NameHome }
func (Wait) Name() string                  { return NameWait }
func (TapElement) Name() string            { return NameTapElement }
func (Speak) Name() string                 { return NameSpeak }
func (Ask) Name() string                   { return NameAsk }
func (OpenApp) Name() string               { return NameOpenApp }
func (ScrollDown) Name() string            { return NameScrollDown }
func (ScrollUp) Name() string              { return NameScrollUp }
func (SearchGoogle) Name() string          { return NameSearchGoogle }
func (ScrollToText) Name() string          { return NameScrollToText }
func (ExtractStructuredData) Name() string { return NameExtractStructuredData }
func (InputText) Name() string             { return NameInputText }
func (Done) Name() string                  { return NameDone }

func (SwitchApp) Args() map[string]string { return nil }
func (Back) Args() map[string]string      { return nil }
func (Home) Args() map[string]string      { return nil }
func (Wait) Args() map[string]string      { return nil }

func (a TapElement) Args() map[string]string {
	return map[string]string{"element_id": strconv.Itoa(a.ElementID)}
}
func (a Speak) Args() map[string]string   { return map[string]string{"message": a.Message} }
func (a Ask) Args() map[string]string     { return map[string]string{"question": a.Question} }
func (a OpenApp) Args() map[string]string { return map[string]string{"app_name": a.AppName} }
func (a ScrollDown) Args() map[string]string {
	return map[string]string{"amount": strconv.Itoa(a.Amount)}
}
func (a ScrollUp) Args() map[string]string {
	return map[string]string{"amount": strconv.Itoa(a.Amount)}
}
func (a SearchGoogle) Args() map[string]string { return map[string]string{"query": a.Query} }
func (a ScrollToText) Args() map[string]string { return map[string]string{"text": a.Text} }
func (a ExtractStructuredData) Args() map[string]string {
	return map[string]string{"query": a.Query}
}
func (a InputText) Args() map[string]string {
	return map[string]string{"index": strconv.Itoa(a.Index), "text": a.Text}
}
func (a Done) Args() map[string]string {
	args := map[string]string{"success": strconv.FormatBool(a.Success), "text": a.Text}
	if len(a.Attachments) > 0 {
		args["files_to_display"] = strings.Join(a.Attachments, ",")
	}
	return args
}

func (SwitchApp) dispatch(ctx context.Context, h Handler) (ExecResult, error) {
	return h.SwitchApp(ctx)
}
func (Back) dispatch(ctx context.Context, h Handler) (ExecResult, error) { return h.Back(ctx) }
func (Home) dispatch(ctx context.Context, h Handler) (ExecResult, error) { return h.Home(ctx) }
func (Wait) dispatch(ctx context.Context, h Handler) (ExecResult, error) { return h.Wait(ctx) }
func (a TapElement) dispatch(ctx context.Context, h Handler) (ExecResult, error) {
	return h.TapElement(ctx, a)
}
func (a Speak) dispatch(ctx context.Context, h Handler) (ExecResult, error) { return h.Speak(ctx, a) }
func (a Ask) dispatch(ctx context.Context, h Handler) (ExecResult, error)   { return h.Ask(ctx, a) }
func (a OpenApp) dispatch(ctx context.Context, h Handler) (ExecResult, error) {
	return h.OpenApp(ctx, a)
}
func (a ScrollDown) dispatch(ctx context.Context, h Handler) (ExecResult, error) {
	return h.ScrollDown(ctx, a)
}
func (a ScrollUp) dispatch(ctx context.Context, h Handler) (ExecResult, error) {
	return h.ScrollUp(ctx, a)
}
func (a SearchGoogle) dispatch(ctx context.Context, h Handler) (ExecResult, error) {
	return h.SearchGoogle(ctx, a)
}
func (a ScrollToText) dispatch(ctx context.Context, h Handler) (ExecResult, error) {
	return h.ScrollToText(ctx, a)
}
func (a ExtractStructuredData) dispatch(ctx context.Context, h Handler) (ExecResult, error) {
	return h.ExtractStructuredData(ctx, a)
}
func (a InputText) dispatch(ctx context.Context, h Handler) (ExecResult, error) {
	return h.InputText(ctx, a)
}
func (a Done) dispatch(ctx context.Context, h Handler) (ExecResult, error) { return h.Done(ctx, a) }

// ErrUnknownAction is returned when the model names an action outside the closed set.
var ErrUnknownAction = errors.New("unknown action")

type wireAction struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// MarshalAction renders a in the same {"name","arguments"} shape ParseAction reads.
func MarshalAction(a Action) string {
	args := a.Args()
	w := wireAction{Name: a.Name()}
	if len(args) > 0 {
		w.Arguments = make(map[string]any, len(args))
		for k, v := range args {
			w.Arguments[k] = v
		}
	}
	data, err := json.Marshal(w)
	if err != nil {
		return a.Name()
	}
	return string(data)
}

// ParseAction converts the operator's action JSON into a typed Action.
func ParseAction(raw string) (Action, error) {
	cleaned := stripFences(raw)
	var w wireAction
	if err := json.Unmarshal([]byte(cleaned), &w); err != nil {
		return nil, fmt.Errorf("invalid action json %q: %w", cleaned, err)
	}
	args := argReader{name: w.Name, args: w.Arguments}

	var a Action
	switch strings.TrimSpace(w.Name) {
	case NameSwitchApp:
		a = SwitchApp{}
	case NameBack:
		a = Back{}
	case NameHome:
		a = Home{}
	case NameWait:
		a = Wait{}
	case NameTapElement:
		a = TapElement{ElementID: args.int("element_id")}
	case NameSpeak:
		a = Speak{Message: args.string("message")}
	case NameAsk:
		a = Ask{Question: args.string("question")}
	case NameOpenApp:
		a = OpenApp{AppName: args.string("app_name")}
	case NameScrollDown:
		a = ScrollDown{Amount: args.int("amount")}
	case NameScrollUp:
		a = ScrollUp{Amount: args.int("amount")}
	case NameSearchGoogle:
		a = SearchGoogle{Query: args.string("query")}
	case NameScrollToText:
		a = ScrollToText{Text: args.string("text")}
	case NameExtractStructuredData:
		a = ExtractStructuredData{Query: args.string("query")}
	case NameInputText:
		a = InputText{Index: args.int("index"), Text: args.string("text")}
	case NameDone:
		a = Done{
			Success:     args.bool("success"),
			Text:        args.string("text"),
			Attachments: args.optionalStrings("files_to_display"),
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, w.Name)
	}
	if args.err != nil {
		return nil, args.err
	}
	return a, nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// argReader records the first argument error so ParseAction can build the
// variant in one expression.
type argReader struct {
	name string
	args map[string]any
	err  error
}

func (r *argReader) fail(key, format string, v ...any) {
	if r.err == nil {
		r.err = fmt.Errorf("action %s argument %q: %s", r.name, key, fmt.Sprintf(format, v...))
	}
}

func (r *argReader) lookup(key string) (any, bool) {
	v, ok := r.args[key]
	if !ok || v == nil {
		r.fail(key, "missing")
		return nil, false
	}
	return v, true
}

func (r *argReader) string(key string) string {
	v, ok := r.lookup(key)
	if !ok {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	}
	r.fail(key, "want string, got %T", v)
	return ""
}

func (r *argReader) int(key string) int {
	v, ok := r.lookup(key)
	if !ok {
		return 0
	}
	switch t := v.(type) {
	case float64:
		return int(t)
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(t))
		if err == nil {
			return n
		}
	}
	r.fail(key, "want integer, got %v", v)
	return 0
}

func (r *argReader) bool(key string) bool {
	v, ok := r.lookup(key)
	if !ok {
		return false
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(t))
		if err == nil {
			return b
		}
	}
	r.fail(key, "want boolean, got %v", v)
	return false
}

func (r *argReader) optionalStrings(key string) []string {
	v, ok := r.args[key]
	if !ok || v == nil {
		return nil
	}
	switch t := v.(type) {
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			out = append(out, fmt.Sprint(item))
		}
		return out
	case string:
		if t == "" {
			return nil
		}
		return strings.Split(t, ",")
	}
	r.fail(key, "want list of strings, got %T", v)
	return nil
}
