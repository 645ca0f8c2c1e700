// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package registry

type edge struct {
	from  State
	event Event
}

// transitions is the complete life-cycle table. Removed is terminal and
// has no outgoing edges.
//
//	Pending  -Dispatch-> Loading
//	Pending  -Fail|Remove-> Removed
//	Loading  -Complete-> Resolved
//	Loading  -Cancel|Fail|Remove-> Removed
//	Resolved -Refine-> Loading
//	Resolved -Remove-> Removed
var transitions = map[edge]State{
	{StatePending, EventDispatch}: StateLoading,
	{StatePending, EventFail}:     StateRemoved,
	{StatePending, EventRemove}:   StateRemoved,
	{StateLoading, EventComplete}: StateResolved,
	{StateLoading, EventCancel}:   StateRemoved,
	{StateLoading, EventFail}:     StateRemoved,
	{StateLoading, EventRemove}:   StateRemoved,
	{StateResolved, EventRefine}:  StateLoading,
	{StateResolved, EventRemove}:  StateRemoved,
}

// Next returns the state event leads to from s.
func Next(s State, e Event) (State, bool) {
	to, ok := transitions[edge{s, e}]
	return to, ok
}
