package protocol

import "fmt"

type Event map[string]interface{}

func (e Event) str(k string) string {
	v, _ := e[k].(string)
	return v
}

func (e Event) num(k string) int {
	switch v := e[k].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	case uint64:
		return int(v)
	default:
		return 0
	}
}

func (e Event) Type() string    { return e.str("type") }
func (e Event) Ref() string     { return e.str("ref") }
func (e Event) TaskID() string  { return e.str("task_id") }
func (e Event) Code() string    { return e.str("code") }
func (e Event) Message() string { return e.str("message") }
func (e Event) From() string    { return e.str("from") }
func (e Event) Text() string    { return e.str("text") }
func (e Event) HP() int         { return e.num("hp") }
func (e Event) Amount() int     { return e.num("amount") }
func (e Event) Tick() uint64    { return uint64(e.num("t")) }

// OK reports the "ok" flag of ACTION_RESULT events.
func (e Event) OK() bool {
	v, _ := e["ok"].(bool)
	return v
}

func (e Event) String() string {
	return fmt.Sprintf("%s(ref=%s task=%s code=%s)", e.Type(), e.Ref(), e.TaskID(), e.Code())
}
