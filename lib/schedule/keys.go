// Doomsday
// Copyright (C) 2025 Gravitational, Inc.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package schedule

// NotifyJobKey names the notification job. There is only ever one, so
// notification passes coalesce against each other.
const NotifyJobKey = "notify"

// RefreshJobKey names the refresh job of one backend. Per-backend keys
// are what makes refreshes of the same backend coalesce while different
// backends proceed independently.
func RefreshJobKey(backend string) string {
	return "refresh:" + backend
}
