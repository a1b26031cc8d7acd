package delivery

import "errors"

var (
	ErrMissingClientMsgID = errors.New("client message id is required")
)
