package proto

// ReplyStatus classifies how a completed call resolved, the four-way split
// go-corba's GIOP reply header gives its client stubs to branch on
// (NoException / UserException / SystemException / LocationForward) over
// spec.md §4.4's flatter Success/Exception/Error_* MessageId range.
type ReplyStatus uint8

const (
	ReplyStatusNoException ReplyStatus = iota
	ReplyStatusUserException
	ReplyStatusSystemException
	ReplyStatusLocationForward
)

func (s ReplyStatus) String() string {
	switch s {
	case ReplyStatusNoException:
		return "NoException"
	case ReplyStatusUserException:
		return "UserException"
	case ReplyStatusSystemException:
		return "SystemException"
	case ReplyStatusLocationForward:
		return "LocationForward"
	default:
		return "Unknown"
	}
}

// ReplyStatusOf classifies the (msgId, err) pair stub.Target.Invoke
// returns: err is already the translated *SystemException for the
// Error_* wire range (FromErrorMessageId runs before the caller ever sees
// it), so SystemException is "err != nil" here rather than a MessageId
// test. A bare Exception answer (msg_id=5, body carries an IDL-declared
// exception) is the one case Invoke passes through as a body instead of
// an error, since unmarshalling it is the generated stub's job, not
// Invoke's; that is UserException.
//
// ReplyStatusLocationForward has no wire signal to classify: spec.md has
// no object-migration/forwarding feature, so no (msgId, err) pair this
// runtime produces ever maps to it. It is kept in the enum for parity
// with go-corba's GIOP shape, not because this runtime raises it.
func ReplyStatusOf(msgId MessageId, err error) ReplyStatus {
	if err != nil {
		return ReplyStatusSystemException
	}
	if msgId == Exception {
		return ReplyStatusUserException
	}
	return ReplyStatusNoException
}
