package eonnext

// GraphQL documents sent to the Kraken API. The operation names and shapes
// match what the E.ON Next web frontend sends, which is the only contract the
// API is known to honor.

const loginQuery = `
mutation loginEmailAuthentication($input: ObtainJSONWebTokenInput!) {
    obtainKrakenToken(input: $input) {
        payload
        refreshExpiresIn
        refreshToken
        token
        __typename
    }
}
`

const accountNumbersQuery = `
query headerGetLoggedInUser {
    viewer {
        accounts {
            ... on AccountType {
                number
                __typename
            }
            __typename
        }
        __typename
    }
}
`

const metersQuery = `
query getAccountMeterSelector($accountNumber: String!, $showInactive: Boolean!) {
    properties(accountNumber: $accountNumber) {
        electricityMeterPoints {
            id
            mpan
            meters(includeInactive: $showInactive) {
                id
                serialNumber
                registers {
                    id
                    name
                    __typename
                }
                __typename
            }
            __typename
        }
        gasMeterPoints {
            id
            mprn
            meters(includeInactive: $showInactive) {
                id
                serialNumber
                registers {
                    id
                    name
                    __typename
                }
                __typename
            }
            __typename
        }
        __typename
    }
}
`

const electricityConsumptionQuery = `
query getElectricityConsumption($accountNumber: String!, $startDate: DateTime!, $after: String) {
    account(accountNumber: $accountNumber) {
        electricityAgreements(active: true) {
            meterPoint {
                meters(includeInactive: false) {
                    id
                    consumption(
                        startAt: $startDate
                        grouping: HALF_HOUR
                        timezone: "Europe/London"
                        first: 100
                        after: $after
                    ) {
                        edges {
                            node {
                                startAt
                                endAt
                                value
                                __typename
                            }
                            __typename
                        }
                        pageInfo {
                            hasNextPage
                            endCursor
                            __typename
                        }
                        __typename
                    }
                    __typename
                }
                __typename
            }
            __typename
        }
        __typename
    }
}
`

const gasConsumptionQuery = `
query getGasConsumption($accountNumber: String!, $startDate: DateTime!, $after: String) {
    account(accountNumber: $accountNumber) {
        gasAgreements(active: true) {
            meterPoint {
                meters(includeInactive: false) {
                    id
                    consumption(
                        startAt: $startDate
                        grouping: HALF_HOUR
                        timezone: "Europe/London"
                        first: 100
                        after: $after
                    ) {
                        edges {
                            node {
                                startAt
                                endAt
                                value
                                __typename
                            }
                            __typename
                        }
                        pageInfo {
                            hasNextPage
                            endCursor
                            __typename
                        }
                        __typename
                    }
                    __typename
                }
                __typename
            }
            __typename
        }
        __typename
    }
}
`
