package protocol

import (
	"github.com/google/uuid"

	"github.com/CoralStackCom/CoralKM/interfaces"
)

// EncodeNamespace renders a Namespace as the {id,gateway_did} object §6
// specifies for namespace-grant bodies.
func EncodeNamespace(ns interfaces.Namespace) map[string]interface{} {
	return map[string]interface{}{
		"id":          ns.ID.String(),
		"gateway_did": ns.GatewayID.String(),
	}
}

// DecodeNamespace parses the "namespace" key of a message body back into a
// Namespace, per §6.
func DecodeNamespace(body map[string]interface{}) (interfaces.Namespace, bool) {
	raw, ok := body["namespace"].(map[string]interface{})
	if !ok {
		return interfaces.Namespace{}, false
	}
	idStr, _ := raw["id"].(string)
	gatewayDID, _ := raw["gateway_did"].(string)
	id, err := uuid.Parse(idStr)
	if err != nil {
		return interfaces.Namespace{}, false
	}
	return interfaces.Namespace{ID: id, GatewayID: interfaces.Identity(gatewayDID)}, true
}
