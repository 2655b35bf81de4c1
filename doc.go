/*
Package accessip keeps a Cloudflare Access policy allowlist pointed at the current public IP address.

Usage will always start with [accessip.New],
which returns a [Client] whose Reconcile method runs a single pass:
resolve the public IPv4 address (and IPv6 prefix when available),
fetch the policy,
and replace its include rules only when they differ from the resolved addresses.

New requires a [PolicyClient], normally registered with [UsingCloudflareAccess].
Additional client configuration options are listed in the docs for New.

Scheduling is left to the caller (cron, systemd timers, etc.);
running Reconcile twice with nothing changed performs no writes the second time.

Known limitation: the policy's include field is assumed to hold only IP rules.
When an update is needed the whole field is replaced,
so any other rule types in include are dropped.
*/
package accessip
