package broker

// Trade server return codes.
const (
	RetcodeRequote           uint32 = 10004
	RetcodeReject            uint32 = 10006
	RetcodeCancel            uint32 = 10007
	RetcodePlaced            uint32 = 10008
	RetcodeDone              uint32 = 10009
	RetcodeDonePartial       uint32 = 10010
	RetcodeError             uint32 = 10011
	RetcodeTimeout           uint32 = 10012
	RetcodeInvalid           uint32 = 10013
	RetcodeInvalidVolume     uint32 = 10014
	RetcodeInvalidPrice      uint32 = 10015
	RetcodeInvalidStops      uint32 = 10016
	RetcodeTradeDisabled     uint32 = 10017
	RetcodeMarketClosed      uint32 = 10018
	RetcodeNoMoney           uint32 = 10019
	RetcodePriceChanged      uint32 = 10020
	RetcodePriceOff          uint32 = 10021
	RetcodeInvalidExpiration uint32 = 10022
	RetcodeOrderChanged      uint32 = 10023
	RetcodeTooManyRequests   uint32 = 10024
	RetcodeNoChanges         uint32 = 10025
	RetcodeLocked            uint32 = 10028
	RetcodeFrozen            uint32 = 10029
	RetcodeInvalidFill       uint32 = 10030
	RetcodeConnection        uint32 = 10031
	RetcodeLimitOrders       uint32 = 10033
	RetcodeLimitVolume       uint32 = 10034
	RetcodePositionClosed    uint32 = 10036
)

var retcodeText = map[uint32]string{
	RetcodeRequote:           "Requote",
	RetcodeReject:            "Request rejected",
	RetcodeCancel:            "Request canceled by trader",
	RetcodePlaced:            "Order placed",
	RetcodeDone:              "Request completed",
	RetcodeDonePartial:       "Only part of the request was completed",
	RetcodeError:             "Request processing error",
	RetcodeTimeout:           "Request canceled by timeout",
	RetcodeInvalid:           "Invalid request",
	RetcodeInvalidVolume:     "Invalid volume in the request",
	RetcodeInvalidPrice:      "Invalid price in the request",
	RetcodeInvalidStops:      "Invalid stops in the request",
	RetcodeTradeDisabled:     "Trade is disabled",
	RetcodeMarketClosed:      "Market is closed",
	RetcodeNoMoney:           "There is not enough money to complete the request",
	RetcodePriceChanged:      "Prices changed",
	RetcodePriceOff:          "There are no quotes to process the request",
	RetcodeInvalidExpiration: "Invalid order expiration date in the request",
	RetcodeOrderChanged:      "Order state changed",
	RetcodeTooManyRequests:   "Too frequent requests",
	RetcodeNoChanges:         "No changes in request",
	RetcodeLocked:            "Request locked for processing",
	RetcodeFrozen:            "Order or position frozen",
	RetcodeInvalidFill:       "Invalid order filling type",
	RetcodeConnection:        "No connection with the trade server",
	RetcodeLimitOrders:       "The number of pending orders has reached the limit",
	RetcodeLimitVolume:       "The volume of orders and positions has reached the limit",
	RetcodePositionClosed:    "Position with the specified identifier has already been closed",
}

// RetcodeText returns the standard description of a return code.
func RetcodeText(code uint32) string {
	if s, ok := retcodeText[code]; ok {
		return s
	}
	return "Unknown return code"
}

// RetcodeTransient reports whether a rejection with code may succeed if the
// request is rebuilt and sent again.
func RetcodeTransient(code uint32) bool {
	switch code {
	case RetcodeRequote, RetcodeReject, RetcodeError, RetcodeTimeout,
		RetcodePriceChanged, RetcodePriceOff, RetcodeTooManyRequests,
		RetcodeLocked, RetcodeFrozen, RetcodeConnection:
		return true
	}
	return false
}

// RetcodeAccepted reports whether code means the request took effect.
// For SL/TP modifications "no changes" counts as done, and a pending order
// may be acknowledged as placed.
func RetcodeAccepted(action TradeAction, code uint32) bool {
	if code == RetcodeDone {
		return true
	}
	if code == RetcodePlaced && action == ActionPending {
		return true
	}
	if code == RetcodeNoChanges && (action == ActionSLTP || action == ActionModify) {
		return true
	}
	return false
}
