package frame

// Constructors for each frame variant, so call sites build frames by
// intent rather than poking at the flat struct directly.

func Auth(proof string) *Frame {
	return &Frame{Kind: KindAuth, Proof: proof}
}

func AuthOk(principal string) *Frame {
	return &Frame{Kind: KindAuthOk, Principal: principal}
}

func AuthFail(reason string) *Frame {
	return &Frame{Kind: KindAuthFail, Reason: reason}
}

func Register(hostname, serviceName, healthPath string) *Frame {
	return &Frame{Kind: KindRegister, Hostname: hostname, ServiceName: serviceName, HealthPath: healthPath}
}

func RegisterOk() *Frame {
	return &Frame{Kind: KindRegisterOk}
}

func RegisterFail(reason string) *Frame {
	return &Frame{Kind: KindRegisterFail, Reason: reason}
}

func Request(id uint64, method, path string, headers Headers, body []byte, deadlineMs uint64) *Frame {
	return &Frame{
		Kind:       KindRequest,
		ID:         id,
		Method:     method,
		Path:       path,
		Headers:    headers,
		Body:       body,
		DeadlineMs: deadlineMs,
	}
}

func Response(id uint64, status int, headers Headers, body []byte) *Frame {
	return &Frame{Kind: KindResponse, ID: id, Status: status, Headers: headers, Body: body}
}

func RequestError(id uint64, errorKind, message string) *Frame {
	return &Frame{Kind: KindRequestError, ID: id, ErrorKind: errorKind, Message: message}
}

func Ping(nonce uint64) *Frame {
	return &Frame{Kind: KindPing, Nonce: nonce}
}

func Pong(nonce uint64) *Frame {
	return &Frame{Kind: KindPong, Nonce: nonce}
}

func Bye(reason string) *Frame {
	return &Frame{Kind: KindBye, Reason: reason}
}
