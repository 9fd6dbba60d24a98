/*
Package bustest provides an in-memory bus connection and a session harness
for testing services without a NATS server.

A MockConn collects everything the service publishes on a queue for
assertions, and delivers test requests to the service's subscriptions with
full subject wildcard matching:

	s, _ := service.NewService("test")
	s.AddHandler("model", service.Handler{ ... })

	sess := bustest.NewSession(t, s)
	defer sess.Close(t)

	sess.GetMsg(t).AssertSubject(t, "system.reset")

	inbox := sess.Request("call.test.model.set", map[string]interface{}{"cid": "c1"})
	sess.GetMsg(t).
		AssertSubject(t, inbox).
		AssertResult(t, nil)
*/
package bustest
