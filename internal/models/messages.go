package models

import "fmt"

// RequestKind names a Request variant. The names are the on-the-wire tags.
type RequestKind string

const (
	RequestNewTask       RequestKind = "NewTask"
	RequestAwaitTask     RequestKind = "AwaitTask"
	RequestGetStoreState RequestKind = "GetStoreState"
)

// Request is a client to server message.
//
// Only the field matching Kind is meaningful: NewTask for RequestNewTask,
// TaskID for RequestAwaitTask. GetStoreState carries no data.
type Request struct {
	Kind    RequestKind
	NewTask NewTask
	TaskID  TaskID
}

// NewTaskRequest submits a new task with the given payload.
func NewTaskRequest(payload []byte) Request {
	return Request{Kind: RequestNewTask, NewTask: NewTask{Payload: payload}}
}

// AwaitTaskRequest registers interest in the result of task id.
func AwaitTaskRequest(id TaskID) Request {
	return Request{Kind: RequestAwaitTask, TaskID: id}
}

// GetStoreStateRequest asks for a store snapshot.
func GetStoreStateRequest() Request {
	return Request{Kind: RequestGetStoreState}
}

func (r Request) String() string {
	switch r.Kind {
	case RequestNewTask:
		return fmt.Sprintf("NewTask(%d bytes)", len(r.NewTask.Payload))
	case RequestAwaitTask:
		return fmt.Sprintf("AwaitTask(%d)", r.TaskID)
	default:
		return string(r.Kind)
	}
}

// ResponseKind names a Response variant. The names are the on-the-wire tags.
type ResponseKind string

const (
	ResponseNewTaskID     ResponseKind = "NewTaskId"
	ResponseCompletedTask ResponseKind = "CompletedTask"
	ResponseStoreState    ResponseKind = "StoreState"
)

// Response is a server to client message.
//
// NewTaskId answers NewTask synchronously, StoreState answers GetStoreState
// synchronously, and CompletedTask is pushed whenever an awaited task
// finishes, independent of request order.
type Response struct {
	Kind   ResponseKind
	TaskID TaskID
	Result TaskResult
	State  StoreState
}

// NewTaskIDResponse acknowledges a NewTask request.
func NewTaskIDResponse(id TaskID) Response {
	return Response{Kind: ResponseNewTaskID, TaskID: id}
}

// CompletedTaskResponse delivers the result of an awaited task.
func CompletedTaskResponse(result TaskResult) Response {
	return Response{Kind: ResponseCompletedTask, Result: result}
}

// StoreStateResponse answers a GetStoreState request.
func StoreStateResponse(state StoreState) Response {
	return Response{Kind: ResponseStoreState, State: state}
}

func (r Response) String() string {
	switch r.Kind {
	case ResponseNewTaskID:
		return fmt.Sprintf("NewTaskId(%d)", r.TaskID)
	case ResponseCompletedTask:
		return fmt.Sprintf("CompletedTask(%d, %s)", r.Result.TaskID, r.Result.Status)
	default:
		return string(r.Kind)
	}
}
