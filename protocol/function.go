package protocol

import "strings"

// Function identifies a remote operation or reply type. The set is closed:
// names outside the table resolve to FuncUnknown, except user commands which
// all resolve to FuncUser.
type Function int

const (
	FuncUnknown Function = iota

	// Connection control.
	FuncProtocol
	FuncFlush1
	FuncFlush2
	FuncRelease
	FuncRelease2
	FuncCrypto
	FuncCompress1
	FuncCompress2

	// Client callbacks sent by the server.
	FuncClientAck
	FuncClientCrypto
	FuncClientFstatInfo
	FuncClientMessage
	FuncClientOutputBinary
	FuncClientOutputData
	FuncClientOutputError
	FuncClientOutputInfo
	FuncClientOutputText
	FuncClientProgress
	FuncClientPrompt
	FuncClientSetPassword
	FuncClientSSO
	FuncClientInputData

	// Server-side continuations the client may name in a confirm.
	FuncDmLogin
	FuncDmPasswd
	FuncDmPrompt

	// FuncUser covers every "user-<command>" request.
	FuncUser
)

// FunctionType groups functions by their name prefix.
type FunctionType int

const (
	TypeNone FunctionType = iota
	TypeControl
	TypeClient
	TypeServer
	TypeUser
)

type functionSpec struct {
	fn   Function
	name string
	typ  FunctionType
}

var functionSpecs = []functionSpec{
	{FuncProtocol, "protocol", TypeControl},
	{FuncFlush1, "flush1", TypeControl},
	{FuncFlush2, "flush2", TypeControl},
	{FuncRelease, "release", TypeControl},
	{FuncRelease2, "release2", TypeControl},
	{FuncCrypto, "crypto", TypeControl},
	{FuncCompress1, "compress1", TypeControl},
	{FuncCompress2, "compress2", TypeControl},

	{FuncClientAck, "client-Ack", TypeClient},
	{FuncClientCrypto, "client-Crypto", TypeClient},
	{FuncClientFstatInfo, "client-FstatInfo", TypeClient},
	{FuncClientMessage, "client-Message", TypeClient},
	{FuncClientOutputBinary, "client-OutputBinary", TypeClient},
	{FuncClientOutputData, "client-OutputData", TypeClient},
	{FuncClientOutputError, "client-OutputError", TypeClient},
	{FuncClientOutputInfo, "client-OutputInfo", TypeClient},
	{FuncClientOutputText, "client-OutputText", TypeClient},
	{FuncClientProgress, "client-Progress", TypeClient},
	{FuncClientPrompt, "client-Prompt", TypeClient},
	{FuncClientSetPassword, "client-SetPassword", TypeClient},
	{FuncClientSSO, "client-SSO", TypeClient},
	{FuncClientInputData, "client-InputData", TypeClient},

	{FuncDmLogin, "dm-Login", TypeServer},
	{FuncDmPasswd, "dm-Passwd", TypeServer},
	{FuncDmPrompt, "dm-Prompt", TypeServer},
}

// Built once; read-only afterwards.
var (
	functionsByName = make(map[string]Function, len(functionSpecs))
	functionNames   = make(map[Function]functionSpec, len(functionSpecs))
)

func init() {
	for _, s := range functionSpecs {
		functionsByName[s.name] = s.fn
		functionNames[s.fn] = s
	}
}

const userPrefix = "user-"

// LookupFunction maps a wire name onto the function table.
func LookupFunction(name string) Function {
	if fn, ok := functionsByName[name]; ok {
		return fn
	}
	if strings.HasPrefix(name, userPrefix) && len(name) > len(userPrefix) {
		return FuncUser
	}
	return FuncUnknown
}

// UserFunction returns the wire name for a user command, e.g. "info" becomes
// "user-info".
func UserFunction(cmd string) string {
	if strings.HasPrefix(cmd, userPrefix) {
		return cmd
	}
	return userPrefix + cmd
}

// UserCommand strips the "user-" prefix.
func UserCommand(name string) string {
	return strings.TrimPrefix(name, userPrefix)
}

// String returns the wire name, or "user-*" / "unknown" for the open kinds.
func (f Function) String() string {
	if s, ok := functionNames[f]; ok {
		return s.name
	}
	if f == FuncUser {
		return "user-*"
	}
	return "unknown"
}

// Type returns the function's group.
func (f Function) Type() FunctionType {
	if s, ok := functionNames[f]; ok {
		return s.typ
	}
	if f == FuncUser {
		return TypeUser
	}
	return TypeNone
}
